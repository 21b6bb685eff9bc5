package compare

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/authdiff/authdiff/service/httpmsg"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origC   int
		origL   int
		modC    int
		modL    int
		origRaw string
		modRaw  string
		want    Verdict
	}{
		{
			name:    "identical_bodies",
			origC:   200, origL: 534, modC: 200, modL: 534,
			origRaw: "HTTP/1.1 200 OK\r\n\r\n{\"user\": \"alice\"}",
			modRaw:  "HTTP/1.1 200 OK\r\n\r\n{\"user\": \"alice\"}",
			want:    VerdictSame,
		},
		{
			name:    "whitespace_only_difference",
			origC:   200, origL: 10, modC: 200, modL: 10,
			origRaw: "HTTP/1.1 200 OK\r\n\r\n  <p>hi\n\n there</p> ",
			modRaw:  "HTTP/1.1 200 OK\r\n\r\n<p>hi there</p>",
			want:    VerdictSame,
		},
		{
			name:    "token_difference",
			origC:   200, origL: 534, modC: 200, modL: 534,
			origRaw: "HTTP/1.1 200 OK\r\n\r\ncsrf=aaaa",
			modRaw:  "HTTP/1.1 200 OK\r\n\r\ncsrf=bbbb",
			want:    VerdictSimilar,
		},
		{
			name:  "status_differs",
			origC: 200, origL: 100, modC: 302, modL: 50,
			want:  VerdictDifferent,
		},
		{
			name:  "length_differs",
			origC: 200, origL: 100, modC: 200, modL: 99,
			want:  VerdictDifferent,
		},
		{
			name:    "redirects_same_location",
			origC:   302, origL: 0, modC: 301, modL: 0,
			origRaw: "HTTP/1.1 302 Found\r\nLocation: /login\r\n\r\n",
			modRaw:  "HTTP/1.1 301 Moved\r\nlocation:  /login \r\n\r\n",
			want:    VerdictSame,
		},
		{
			name:    "redirects_different_location",
			origC:   302, origL: 0, modC: 301, modL: 0,
			origRaw: "HTTP/1.1 302 Found\r\nLocation: /home\r\n\r\n",
			modRaw:  "HTTP/1.1 301 Moved\r\nLocation: /login\r\n\r\n",
			want:    VerdictDifferent,
		},
		{
			name:    "redirects_without_location",
			origC:   302, origL: 0, modC: 307, modL: 0,
			origRaw: "HTTP/1.1 302 Found\r\n\r\n",
			modRaw:  "HTTP/1.1 307 Temporary Redirect\r\n\r\n",
			want:    VerdictDifferent,
		},
		{
			name:    "redirect_vs_ok",
			origC:   200, origL: 0, modC: 302, modL: 0,
			origRaw: "HTTP/1.1 200 OK\r\nLocation: /login\r\n\r\n",
			modRaw:  "HTTP/1.1 302 Found\r\nLocation: /login\r\n\r\n",
			want:    VerdictDifferent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := Classify(tt.origC, tt.origL, tt.modC, tt.modL, []byte(tt.origRaw), []byte(tt.modRaw))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyTotal(t *testing.T) {
	t.Parallel()

	codes := []int{0, 100, 200, 204, 301, 302, 399, 400, 403, 404, 500, 999}
	bodies := [][]byte{nil, []byte(""), []byte("garbage"), []byte("HTTP/1.1 302 Found\r\nLocation: /\r\n\r\nx")}
	for _, oc := range codes {
		for _, mc := range codes {
			for _, ob := range bodies {
				for _, mb := range bodies {
					v := Classify(oc, len(ob), mc, len(mb), ob, mb)
					require.Contains(t, []Verdict{VerdictSame, VerdictSimilar, VerdictDifferent}, v)
				}
			}
		}
	}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	t.Run("missing_side", func(t *testing.T) {
		assert.Equal(t, VerdictUnknown, Evaluate([]byte("HTTP/1.1 200 OK\r\n\r\n"), nil))
		assert.Equal(t, VerdictUnknown, Evaluate(nil, []byte("HTTP/1.1 200 OK\r\n\r\n")))
	})

	t.Run("compressed_matches_plain", func(t *testing.T) {
		body := []byte(`{"account":"1234","balance":10}`)
		gz, err := httpmsg.EncodeBody(body, "gzip")
		require.NoError(t, err)

		orig := append([]byte("HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\n\r\n"), gz...)
		mod := append([]byte("HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\n\r\n"), gz...)
		assert.Equal(t, VerdictSame, Evaluate(orig, mod))

		origLen := ContentLength(orig)
		plain := append([]byte("HTTP/1.1 200 OK\r\n\r\n"), body...)
		assert.Equal(t, VerdictSame, Classify(200, origLen, 200, origLen, orig, plain))
	})

	t.Run("forbidden", func(t *testing.T) {
		orig := []byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")
		mod := []byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 9\r\n\r\nforbidden")
		assert.Equal(t, VerdictDifferent, Evaluate(orig, mod))
	})
}

func TestContentLength(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 42, ContentLength([]byte("HTTP/1.1 200 OK\r\ncontent-length: 42\r\n\r\nshort")))
	assert.Equal(t, 5, ContentLength([]byte("HTTP/1.1 200 OK\r\nContent-Length: nope\r\n\r\nshort")))
	assert.Equal(t, 5, ContentLength([]byte("HTTP/1.1 200 OK\r\n\r\nshort")))
	assert.Equal(t, 0, ContentLength([]byte("HTTP/1.1 204 No Content\r\n\r\n")))
}

func TestLocation(t *testing.T) {
	t.Parallel()

	raw := []byte("HTTP/1.1 302 Found\r\nLOCATION:  /a \r\nLocation: /b\r\n\r\n")
	assert.Equal(t, "/a", Location(raw))
	assert.Empty(t, Location([]byte("HTTP/1.1 200 OK\r\n\r\n")))
}
