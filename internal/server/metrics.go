package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	contractsTotal     *prometheus.CounterVec
	signaturesTotal    *prometheus.CounterVec
	oracleReportsTotal *prometheus.CounterVec
	depositsTotal      prometheus.Counter
	riskFailuresTotal  prometheus.Counter
}

func newMetricsRegistry() *metricsRegistry {
	contracts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowrails_contract_transitions_total",
		Help: "Escrow contract lifecycle transitions by operation",
	}, []string{"op"})

	signatures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowrails_signature_submissions_total",
		Help: "Signature submissions by result",
	}, []string{"result"})

	oracle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowrails_oracle_reports_total",
		Help: "Oracle event reports by status",
	}, []string{"status"})

	deposits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowrails_deposits_total",
		Help: "Account deposits accepted",
	})

	riskFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowrails_risk_assessment_failures_total",
		Help: "Drafts that proceeded with a degraded risk assessment",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(contracts, signatures, oracle, deposits, riskFailures)

	return &metricsRegistry{
		registry:           r,
		contractsTotal:     contracts,
		signaturesTotal:    signatures,
		oracleReportsTotal: oracle,
		depositsTotal:      deposits,
		riskFailuresTotal:  riskFailures,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ContractTransition, SignatureSubmission, OracleReport and
// RiskAssessmentFailure satisfy the engine's metrics hook.

func (m *metricsRegistry) ContractTransition(op string) {
	m.contractsTotal.WithLabelValues(op).Inc()
}

func (m *metricsRegistry) SignatureSubmission(result string) {
	m.signaturesTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) OracleReport(status string) {
	m.oracleReportsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) RiskAssessmentFailure() {
	m.riskFailuresTotal.Inc()
}

func (m *metricsRegistry) incDeposit() {
	m.depositsTotal.Inc()
}
