package messages

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// BlockType tags a content block on the wire
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
)

// ContentBlock is one unit of message content. The closed set of
// implementations is TextBlock, ToolUseBlock, ToolResultBlock, ImageBlock and
// UnknownBlock; switches over blocks should handle all five.
type ContentBlock interface {
	Type() BlockType
	isContentBlock()
}

type TextBlock struct {
	Text string
}

// ToolUseBlock is a model-issued tool invocation. Input is a JSON object.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultBlock answers a ToolUseBlock with the same id. Content is kept
// raw: the client sends either a string or an array of blocks.
type ToolResultBlock struct {
	ToolUseID string
	Content   json.RawMessage
	IsError   bool
}

// ImageBlock carries either inline base64 data or a URL source.
type ImageBlock struct {
	MediaType string
	Data      string
	URL       string
}

// UnknownBlock preserves block types this gateway does not model (thinking,
// server tool results, documents) so they can be logged instead of failing
// the decode.
type UnknownBlock struct {
	Kind string
	Raw  json.RawMessage
}

func (TextBlock) Type() BlockType       { return BlockText }
func (ToolUseBlock) Type() BlockType    { return BlockToolUse }
func (ToolResultBlock) Type() BlockType { return BlockToolResult }
func (ImageBlock) Type() BlockType      { return BlockImage }
func (u UnknownBlock) Type() BlockType  { return BlockType(u.Kind) }

func (TextBlock) isContentBlock()       {}
func (ToolUseBlock) isContentBlock()    {}
func (ToolResultBlock) isContentBlock() {}
func (ImageBlock) isContentBlock()      {}
func (UnknownBlock) isContentBlock()    {}

type wireBlock struct {
	Type      BlockType       `json:"type"`
	Text      *string         `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Source    *imageSource    `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

var emptyObject = json.RawMessage(`{}`)

func (b TextBlock) MarshalJSON() ([]byte, error) {
	text := b.Text
	return json.Marshal(wireBlock{Type: BlockText, Text: &text})
}

func (b ToolUseBlock) MarshalJSON() ([]byte, error) {
	input := b.Input
	if len(bytes.TrimSpace(input)) == 0 {
		input = emptyObject
	}
	return json.Marshal(wireBlock{Type: BlockToolUse, ID: b.ID, Name: b.Name, Input: input})
}

func (b ToolResultBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireBlock{Type: BlockToolResult, ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError})
}

func (b ImageBlock) MarshalJSON() ([]byte, error) {
	src := &imageSource{Type: "base64", MediaType: b.MediaType, Data: b.Data}
	if b.URL != "" {
		src = &imageSource{Type: "url", URL: b.URL}
	}
	return json.Marshal(wireBlock{Type: BlockImage, Source: src})
}

func (b UnknownBlock) MarshalJSON() ([]byte, error) {
	if len(b.Raw) == 0 {
		return json.Marshal(map[string]string{"type": b.Kind})
	}
	return b.Raw, nil
}

// DecodeBlock parses a single block by its type tag.
func DecodeBlock(raw json.RawMessage) (ContentBlock, error) {
	var w wireBlock
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode content block: %w", err)
	}

	switch w.Type {
	case BlockText:
		if w.Text == nil {
			return TextBlock{}, nil
		}
		return TextBlock{Text: *w.Text}, nil
	case BlockToolUse:
		if w.ID == "" {
			return nil, fmt.Errorf("tool_use block without id")
		}
		return ToolUseBlock{ID: w.ID, Name: w.Name, Input: w.Input}, nil
	case BlockToolResult:
		if w.ToolUseID == "" {
			return nil, fmt.Errorf("tool_result block without tool_use_id")
		}
		return ToolResultBlock{ToolUseID: w.ToolUseID, Content: w.Content, IsError: w.IsError}, nil
	case BlockImage:
		if w.Source == nil {
			return nil, fmt.Errorf("image block without source")
		}
		return ImageBlock{MediaType: w.Source.MediaType, Data: w.Source.Data, URL: w.Source.URL}, nil
	case "":
		return nil, fmt.Errorf("content block without type")
	default:
		return UnknownBlock{Kind: string(w.Type), Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

// Blocks is message content. On the wire it is either a plain string, which
// decodes to a single TextBlock, or an ordered array of blocks.
type Blocks []ContentBlock

func (b *Blocks) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*b = nil
		return nil
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*b = Blocks{TextBlock{Text: s}}
		return nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return fmt.Errorf("content must be a string or an array of blocks: %w", err)
	}
	out := make(Blocks, 0, len(raws))
	for i, raw := range raws {
		block, err := DecodeBlock(raw)
		if err != nil {
			return fmt.Errorf("content[%d]: %w", i, err)
		}
		out = append(out, block)
	}
	*b = out
	return nil
}

func (b Blocks) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]ContentBlock(b))
}
