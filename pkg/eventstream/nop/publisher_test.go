package nop_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/captain/pkg/eventstream"
	"github.com/papercomputeco/captain/pkg/eventstream/nop"
)

var _ = Describe("Publisher", func() {
	It("creates a non-nil publisher", func() {
		p := nop.NewPublisher()
		Expect(p).NotTo(BeNil())
	})

	It("returns ErrNilFrameEvent for nil events", func() {
		p := nop.NewPublisher()
		err := p.PublishFrame(context.Background(), nil)
		Expect(err).To(MatchError(eventstream.ErrNilFrameEvent))
	})

	It("succeeds for non-nil events", func() {
		p := nop.NewPublisher()
		err := p.PublishFrame(context.Background(), eventstream.NewRemovedEvent(1))
		Expect(err).NotTo(HaveOccurred())
	})

	It("closes successfully", func() {
		p := nop.NewPublisher()
		Expect(p.Close()).To(Succeed())
	})
})
