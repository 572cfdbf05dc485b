package notes

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const systemPrompt = "You are a helpful assistant skilled at creating structured SOAP notes."

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Text string `json:"text"`
	} `json:"choices"`
	OutputText string `json:"output_text"`
}

// content picks the completion text from whichever field the provider set.
func (r *chatResponse) content() string {
	if len(r.Choices) > 0 {
		if s := strings.TrimSpace(r.Choices[0].Message.Content); s != "" {
			return s
		}
		if s := strings.TrimSpace(r.Choices[0].Text); s != "" {
			return s
		}
	}
	return strings.TrimSpace(r.OutputText)
}

func buildPrompt(transcript string) string {
	var b strings.Builder
	b.WriteString("Based on the provided transcript, generate a structured SOAP note.\n")
	b.WriteString("Sections (always in this order):\n")
	for _, s := range Sections {
		b.WriteString("- " + s + "\n")
	}
	b.WriteString("\nRules:\n")
	b.WriteString("- Each section should be an array of strings OR \"" + NoData + "\".\n")
	b.WriteString("- If info missing, explicitly write \"" + NoData + "\".\n")
	b.WriteString("- JSON only, no extra commentary.\n\n")
	b.WriteString("Transcript:\n")
	b.WriteString(strings.TrimSpace(transcript))
	return b.String()
}

var (
	fenceOpen  = regexp.MustCompile("(?i)^```(?:json)?\\s*")
	fenceClose = regexp.MustCompile("(?i)\\s*```$")
)

func stripFences(s string) string {
	s = fenceOpen.ReplaceAllString(s, "")
	return fenceClose.ReplaceAllString(s, "")
}

// ParseNote decodes completion text into a Note. Code fences are removed;
// when the text is not plain JSON the outermost {...} slice is tried.
// Sections the model left out read "No data available".
func ParseNote(content string) (Note, error) {
	body := stripFences(strings.TrimSpace(content))

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		first := strings.Index(body, "{")
		last := strings.LastIndex(body, "}")
		if first < 0 || last <= first {
			return Note{}, fmt.Errorf("notes: parse completion: %w", err)
		}
		if err2 := json.Unmarshal([]byte(body[first:last+1]), &raw); err2 != nil {
			return Note{}, fmt.Errorf("notes: parse completion: %w", err2)
		}
	}

	var n Note
	for i, f := range n.fields() {
		*f = sectionLines(raw[Sections[i]])
	}
	return n, nil
}

// sectionLines accepts a list of strings, a single string, or a list of
// objects naming a drug.
func sectionLines(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return []string{NoData}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return []string{NoData}
		}
		return []string{s}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []string{NoData}
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if line := itemText(it); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func itemText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, k := range []string{"name", "drug", "Medication"} {
			if v, ok := obj[k].(string); ok && v != "" {
				return v
			}
		}
	}
	return strings.TrimSpace(string(raw))
}
