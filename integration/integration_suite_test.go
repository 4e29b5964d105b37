// Package integration contains end-to-end tests for FleetGuard. They run the
// full in-memory stack in process: the HTTP API on a loopback listener, the
// event queue, the lifecycle engine and the escalation monitor.
package integration

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestIntegration(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "FleetGuard Integration Suite")
}
