package stages

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/corpusforge/corpusforge/internal/store/minio"
)

func TestChunkText(t *testing.T) {
	tests := []struct {
		name string
		text string
		size int
		want []string
	}{
		{
			name: "empty input",
			text: "",
			size: 100,
			want: nil,
		},
		{
			name: "whitespace only",
			text: "  \n\n   \n\n  ",
			size: 100,
			want: nil,
		},
		{
			name: "single short paragraph",
			text: "hello world",
			size: 100,
			want: []string{"hello world"},
		},
		{
			name: "paragraphs packed into one chunk",
			text: "first\n\nsecond",
			size: 100,
			want: []string{"first\n\nsecond"},
		},
		{
			name: "paragraphs split across chunks",
			text: "aaaa\n\nbbbb",
			size: 6,
			want: []string{"aaaa", "bbbb"},
		},
		{
			name: "oversized paragraph hard split",
			text: "abcdefghij",
			size: 4,
			want: []string{"abcd", "efgh", "ij"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chunkText(tt.text, tt.size)
			if len(got) != len(tt.want) {
				t.Fatalf("chunkText() = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestChunkTextBoundsEveryChunk(t *testing.T) {
	text := strings.Repeat("word word word.\n\n", 50)
	for _, chunk := range chunkText(text, 64) {
		if n := len([]rune(chunk)); n > 64 {
			t.Errorf("chunk length %d exceeds 64: %q", n, chunk)
		}
		if strings.TrimSpace(chunk) == "" {
			t.Error("produced a blank chunk")
		}
	}
}

func TestLiteracyScore(t *testing.T) {
	tests := []struct {
		name                                     string
		eligible, withTerms, withEntities, withChunks int
		want                                     float64
	}{
		{name: "empty batch", eligible: 0, want: 0},
		{name: "full coverage", eligible: 10, withTerms: 10, withEntities: 10, withChunks: 10, want: 100},
		{name: "no coverage", eligible: 10, want: 0},
		{name: "partial coverage", eligible: 10, withTerms: 10, withEntities: 5, withChunks: 0, want: 50},
		{name: "counts clamped to eligible", eligible: 4, withTerms: 9, withEntities: 4, withChunks: 4, want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := literacyScore(tt.eligible, tt.withTerms, tt.withEntities, tt.withChunks)
			if got != tt.want {
				t.Errorf("literacyScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTitleFromKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"docs/guide.md", "guide"},
		{"a/b/c/report.final.txt", "report.final"},
		{"noext", "noext"},
		{"deep/path/archive.tar.gz", "archive.tar"},
	}
	for _, tt := range tests {
		if got := titleFromKey(tt.key); got != tt.want {
			t.Errorf("titleFromKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := []struct {
		name string
		obj  minio.ObjectInfo
		want string
	}{
		{name: "explicit type wins", obj: minio.ObjectInfo{Key: "a.txt", ContentType: "text/markdown"}, want: "text/markdown"},
		{name: "unknown extension falls back", obj: minio.ObjectInfo{Key: "a.xyzzy"}, want: "application/octet-stream"},
		{name: "no extension falls back", obj: minio.ObjectInfo{Key: "README"}, want: "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := contentTypeFor(tt.obj); got != tt.want {
				t.Errorf("contentTypeFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContentTypeForInfersFromExtension(t *testing.T) {
	got := contentTypeFor(minio.ObjectInfo{Key: "doc.html"})
	if !strings.HasPrefix(got, "text/html") {
		t.Errorf("contentTypeFor(doc.html) = %q, want text/html prefix", got)
	}
}

func TestLLMFailure(t *testing.T) {
	var fatal *fatalError

	err := llmFailure(errors.New("openrouter request failed with status 401: unauthorized"))
	if !errors.As(err, &fatal) {
		t.Error("auth failure should be fatal")
	}

	err = llmFailure(errors.New("openrouter request failed with status 500: upstream error"))
	if errors.As(err, &fatal) {
		t.Error("server error should stay item-level")
	}
}

func TestReadDocumentTruncates(t *testing.T) {
	rc := io.NopCloser(strings.NewReader(strings.Repeat("é", 100)))
	text, err := readDocument(rc, 10)
	if err != nil {
		t.Fatalf("readDocument() error = %v", err)
	}
	if n := len([]rune(text)); n != 10 {
		t.Errorf("got %d runes, want 10", n)
	}
}
