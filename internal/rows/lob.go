package rows

import (
	"fmt"
	"strings"
)

// MaxLobChars is the character budget for large text values. Longer values
// are cut and marked.
const MaxLobChars = 2000

// maxBinPreview bounds the hex preview of binary values.
const maxBinPreview = 128

const hexChars = "0123456789abcdef"

// UnknownValue replaces the value of a declared column that is absent from
// the physical table.
type UnknownValue struct{}

func (UnknownValue) String() string { return "?" }

// BinValue summarizes a binary value: a bounded hex preview plus the total
// byte count. The full content is retained for detail views.
type BinValue struct {
	content []byte
	preview string
}

func (b BinValue) String() string  { return "<Bin>" + b.preview }
func (b BinValue) Content() []byte { return b.content }

// NewBinValue renders the preview for content.
func NewBinValue(content []byte) BinValue {
	var sb strings.Builder
	n := len(content)
	for i := 0; i < n && i < maxBinPreview; i++ {
		b := content[i]
		sb.WriteByte(' ')
		sb.WriteByte(hexChars[(b>>4)&15])
		sb.WriteByte(hexChars[b&15])
	}
	if n > maxBinPreview {
		sb.WriteString(fmt.Sprintf("... %d bytes", n))
	}
	return BinValue{content: content, preview: sb.String()}
}

// LobValue is a character-large-object read up to MaxLobChars.
type LobValue struct {
	text      string
	truncated bool
}

func (l LobValue) String() string {
	if l.truncated {
		return l.text + "..."
	}
	return l.text
}

func (l LobValue) Truncated() bool { return l.truncated }

// NewLobValue truncates text to the character budget.
func NewLobValue(text string) LobValue {
	r := []rune(text)
	if len(r) > MaxLobChars {
		return LobValue{text: string(r[:MaxLobChars]), truncated: true}
	}
	return LobValue{text: text}
}
