package markdown

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTransformer_Markdown(t *testing.T) {
	t.Parallel()

	tr := New(zap.NewNop())

	md := tr.Markdown(`<h1>Title</h1><p>Hello <strong>world</strong></p>`, "http://example.com/page")
	require.Contains(t, md, "# Title")
	require.Contains(t, md, "**world**")
}

func TestTransformer_RelativeLinksAbsolutized(t *testing.T) {
	t.Parallel()

	tr := New(zap.NewNop())

	md := tr.Markdown(`<p><a href="/docs">docs</a></p>`, "http://example.com/page")
	require.Contains(t, md, "http://example.com/docs")
}

func TestTransformer_NeverFails(t *testing.T) {
	t.Parallel()

	tr := New(zap.NewNop())

	// Badly broken input still returns a string.
	require.NotPanics(t, func() {
		_ = tr.Markdown("<div><span></div", "not a url")
		_ = tr.Markdown("", "")
	})
}
