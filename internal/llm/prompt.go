package llm

import (
	"fmt"
	"strings"

	"localinfer/pkg/types"
)

// ConvertPrompt flattens host messages into worker chat turns.
//
// System text passes through verbatim. User and assistant turns keep their
// text parts only; anything else is dropped with a warning. Tool results
// become a user turn of the form "[Tool result for name]: output".
func ConvertPrompt(prompt []Message) ([]types.ChatMessage, []Warning) {
	out := make([]types.ChatMessage, 0, len(prompt))
	var warns []Warning
	dropped := map[string]bool{}
	drop := func(kind string) {
		if dropped[kind] {
			return
		}
		dropped[kind] = true
		warns = append(warns, Warning{
			Type:    WarnUnsupportedContent,
			Setting: kind,
			Message: kind + " content is not supported by local models and was dropped",
		})
	}

	for _, msg := range prompt {
		switch msg.Role {
		case RoleSystem:
			out = append(out, types.ChatMessage{Role: string(RoleSystem), Content: joinText(msg.Parts, nil)})
		case RoleUser, RoleAssistant:
			out = append(out, types.ChatMessage{Role: string(msg.Role), Content: joinText(msg.Parts, drop)})
		case RoleTool:
			for _, p := range msg.Parts {
				tr, ok := p.(ToolResultPart)
				if !ok {
					continue
				}
				out = append(out, types.ChatMessage{
					Role:    string(RoleUser),
					Content: fmt.Sprintf("[Tool result for %s]: %s", tr.Name, string(tr.Output)),
				})
			}
		}
	}
	return out, warns
}

func joinText(parts []Part, drop func(string)) string {
	var sb strings.Builder
	for _, p := range parts {
		switch v := p.(type) {
		case TextPart:
			sb.WriteString(v.Text)
		case FilePart:
			if drop != nil {
				drop("file")
			}
		case ToolCallPart:
			if drop != nil {
				drop("tool-call")
			}
		case ToolResultPart:
			if drop != nil {
				drop("tool-result")
			}
		}
	}
	return sb.String()
}

// unsupportedSettings reports request features the local backend ignores.
func unsupportedSettings(opts CallOptions) []Warning {
	var warns []Warning
	if len(opts.Tools) > 0 {
		warns = append(warns, Warning{Type: WarnUnsupportedSetting, Setting: "tools", Message: "tool definitions are ignored by local models"})
	}
	if rf := opts.ResponseFormat; rf != nil && rf.Type == "json" {
		warns = append(warns, Warning{Type: WarnUnsupportedSetting, Setting: "responseFormat", Message: "structured output is not enforced by local models"})
	}
	return warns
}

// BuildParams converts call options to worker params and collects warnings.
func BuildParams(opts CallOptions) (types.GenerateParams, []Warning) {
	msgs, warns := ConvertPrompt(opts.Prompt)
	warns = append(unsupportedSettings(opts), warns...)
	return types.GenerateParams{
		Messages:    msgs,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		MaxTokens:   opts.MaxTokens,
		Stop:        opts.Stop,
	}, warns
}
