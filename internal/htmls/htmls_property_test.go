//go:build property

package htmls

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestStripDevBlocksProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(1234)
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("dev block content never survives", prop.ForAll(
		func(before, secret, after string) bool {
			payload := "SECRET" + secret
			in := before + "\n  <!--DEV\n" + payload + "\n-->" + after
			out := string(StripDevBlocks([]byte(in), DefaultMarker))
			return !strings.Contains(out, payload) && out == before+after
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("input without marker is unchanged", prop.ForAll(
		func(lines []string) bool {
			in := strings.Join(lines, "\n<!-- note -->\n")
			return string(StripDevBlocks([]byte(in), DefaultMarker)) == in
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("stripping is idempotent", prop.ForAll(
		func(a, b string) bool {
			in := a + "\n<!--DEV " + b + " -->" + b
			once := StripDevBlocks([]byte(in), DefaultMarker)
			return string(StripDevBlocks(once, DefaultMarker)) == string(once)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
