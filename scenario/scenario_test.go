package scenario_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/sarchlab/vmcore/mem/vm/fault"
	"github.com/sarchlab/vmcore/scenario"
	"github.com/sarchlab/vmcore/simulation"
)

var _ = Describe("Scenarios", func() {
	var s *simulation.Simulation

	BeforeEach(func() {
		logger, _ := test.NewNullLogger()

		var err error
		s, err = simulation.MakeBuilder().
			WithNumFrames(256).
			WithLogger(logger).
			Build()
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		Expect(s.Terminate()).To(Succeed())
	})

	run := func(name string) scenario.Result {
		sc, ok := scenario.Lookup(name)
		Expect(ok).To(BeTrue())

		res, err := sc.Run(s)
		Expect(err).ToNot(HaveOccurred())
		Expect(res.Scenario).To(Equal(name))

		return res
	}

	It("should list scenarios by name", func() {
		names := []string{}
		for _, sc := range scenario.All() {
			names = append(names, sc.Name)
			Expect(sc.Description).ToNot(BeEmpty())
		}

		Expect(names).To(Equal([]string{
			"copy-on-write",
			"demand-paging",
			"file-mapping",
			"guard-page",
			"kernel-halt",
			"preemption",
			"segfault",
			"shared-memory",
			"teardown",
		}))

		_, ok := scenario.Lookup("no-such-thing")
		Expect(ok).To(BeFalse())
	})

	It("should populate anonymous pages on demand", func() {
		res := run("demand-paging")

		Expect(res.Resolved).To(BeNumerically(">=", 16))
		Expect(res.Failed).To(BeZero())
		Expect(s.FaultCounter().Resolved(fault.PathAnonymous)).
			To(BeNumerically(">=", 16))
	})

	It("should copy pages shared copy-on-write", func() {
		run("copy-on-write")

		Expect(s.FaultCounter().Resolved(fault.PathCopyOnWrite)).
			To(BeNumerically(">=", 1))
	})

	It("should share write-shared pages", func() {
		res := run("shared-memory")

		Expect(res.Processes).To(Equal(2))
		Expect(s.FaultCounter().Resolved(fault.PathCopyOnWrite)).To(BeZero())
	})

	It("should fill pages from files", func() {
		res := run("file-mapping")

		Expect(s.FaultCounter().Resolved(fault.PathFile)).To(Equal(uint64(2)))
		Expect(res.Notes).To(ContainElement(ContainSubstring("lib.so")))
	})

	It("should kill a process that touches the null page", func() {
		res := run("segfault")

		Expect(res.Failed).To(Equal(uint64(1)))
		Expect(s.FaultCounter().Failed(fault.PathNullPage)).To(Equal(uint64(1)))
	})

	It("should kill a process that overruns into a guard page", func() {
		run("guard-page")

		Expect(s.FaultCounter().Failed(fault.PathGuardian)).To(Equal(uint64(1)))
	})

	It("should halt on an unresolvable kernel fault", func() {
		res := run("kernel-halt")

		Expect(res.Halted).To(BeTrue())
		Expect(s.FaultCounter().Failed(fault.PathKernel)).To(Equal(uint64(1)))
	})

	It("should return every frame after teardown", func() {
		res := run("teardown")

		Expect(res.Processes).To(Equal(5))
	})

	It("should preempt on timer interrupts", func() {
		run("preemption")

		Expect(s.MMUStats().Timers).To(Equal(uint64(4)))
	})
})
