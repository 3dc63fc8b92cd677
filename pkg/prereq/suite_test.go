package prereq_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestPrereq(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Shared Prerequisite Suite")
}
