package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	assignTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packdesk_assign_total",
		Help: "Machine assignment requests by result.",
	}, []string{"result"})

	checkOutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packdesk_checkout_total",
		Help: "Check-out attempts by result.",
	}, []string{"result"})

	checkInTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packdesk_checkin_total",
		Help: "Check-in attempts by result.",
	}, []string{"result"})

	missingTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "packdesk_missing_reports_total",
		Help: "Missing machine reports received.",
	})
)

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
