package worker

import (
	"encoding/json"
	"errors"
	"strings"
)

// cliResponse is the wrapper printed with --output-format json.
type cliResponse struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

// extractJSON pulls a JSON object or array out of noisy CLI output.
func extractJSON(data []byte) ([]byte, error) {
	var resp cliResponse
	if err := json.Unmarshal(data, &resp); err == nil && resp.Type == "result" {
		if resp.IsError {
			return nil, errors.New("worker returned an error: " + resp.Result)
		}
		data = []byte(resp.Result)
	}

	str := stripCodeFence(string(data))
	if json.Valid([]byte(str)) {
		return []byte(str), nil
	}

	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(str, pair[0])
		end := strings.LastIndex(str, pair[1])
		if start == -1 || end <= start {
			continue
		}
		if candidate := str[start : end+1]; json.Valid([]byte(candidate)) {
			return []byte(candidate), nil
		}
	}
	return nil, errors.New("no JSON found in output")
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if cut, found := strings.CutPrefix(s, "```json"); found {
		s = cut
	} else if cut, found := strings.CutPrefix(s, "```"); found {
		s = cut
	}
	if cut, found := strings.CutSuffix(s, "```"); found {
		s = cut
	}
	return strings.TrimSpace(s)
}
