package scanning

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("PrepareImage", func() {
	sample := func() image.Image {
		img := image.NewRGBA(image.Rect(0, 0, 4, 4))
		img.Set(1, 1, color.RGBA{R: 255, A: 255})
		return img
	}

	When("the input is already PNG", func() {
		It("returns it unchanged", func() {
			var buf bytes.Buffer
			Expect(png.Encode(&buf, sample())).To(Succeed())

			out, converted, err := PrepareImage(buf.Bytes(), "image/png")
			Expect(err).NotTo(HaveOccurred())
			Expect(converted).To(BeFalse())
			Expect(out).To(Equal(buf.Bytes()))
		})
	})

	When("the input is JPEG with an unknown content type", func() {
		It("sniffs the type and converts it to PNG", func() {
			var buf bytes.Buffer
			Expect(jpeg.Encode(&buf, sample(), nil)).To(Succeed())

			out, converted, err := PrepareImage(buf.Bytes(), "application/octet-stream")
			Expect(err).NotTo(HaveOccurred())
			Expect(converted).To(BeTrue())
			_, format, err := image.Decode(bytes.NewReader(out))
			Expect(err).NotTo(HaveOccurred())
			Expect(format).To(Equal("png"))
		})
	})

	When("the content type has parameters", func() {
		It("ignores them", func() {
			var buf bytes.Buffer
			Expect(png.Encode(&buf, sample())).To(Succeed())

			_, converted, err := PrepareImage(buf.Bytes(), "image/png; charset=binary")
			Expect(err).NotTo(HaveOccurred())
			Expect(converted).To(BeFalse())
		})
	})

	When("the input is not an image", func() {
		It("returns an unsupported format error", func() {
			_, _, err := PrepareImage([]byte("plain text, not an image"), "text/plain")
			Expect(err).To(MatchError(ContainSubstring("unsupported image format")))
		})
	})
})
