package streamcmder

import (
	"io"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func readAll(body string) []Event {
	r := NewReader(strings.NewReader(body))
	var events []Event
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return events
		}
		Expect(err).NotTo(HaveOccurred())
		events = append(events, ev)
	}
}

var _ = Describe("Reader", func() {
	It("parses data, named events and comments", func() {
		events := readAll(": start\n\n" +
			"data: Hello\n\n" +
			"event: keepalive\n: ping\n\n" +
			"data:  world\n\n" +
			"event: final\ndata: Hello world\n\n")

		Expect(events).To(Equal([]Event{
			{Data: "Hello"},
			{Event: "keepalive"},
			{Data: " world"},
			{Event: "final", Data: "Hello world"},
		}))
	})

	It("joins multi-line data", func() {
		events := readAll("data: line one\ndata: line two\n\n")
		Expect(events).To(Equal([]Event{{Data: "line one\nline two"}}))
	})

	It("keeps empty data lines", func() {
		events := readAll("data: a\ndata:\ndata: b\n\n")
		Expect(events).To(Equal([]Event{{Data: "a\n\nb"}}))
	})

	It("ignores unknown fields", func() {
		events := readAll("id: 7\nretry: 1000\ndata: x\n\n")
		Expect(events).To(Equal([]Event{{Data: "x"}}))
	})

	It("drops a block cut off by the end of the stream", func() {
		events := readAll("data: complete\n\ndata: partial")
		Expect(events).To(Equal([]Event{{Data: "complete"}}))
	})
})
