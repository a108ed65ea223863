package negotiator

import (
	"encoding/json"
	"regexp"
	"strings"

	"golang.org/x/text/width"
)

// request 数据收集员输出的单条检索请求
type request struct {
	Query       string `json:"query"`
	Source      string `json:"source"`
	Description string `json:"description"`
}

// requestEnvelope 支持单条或 requests 数组两种写法
type requestEnvelope struct {
	request
	Requests []request `json:"requests"`
}

// parseRequests 解析检索请求，优先 JSON，其次逐行识别引号中的查询词
func parseRequests(raw string) []request {
	text := width.Narrow.String(raw)
	if reqs := parseJSONRequests(text); len(reqs) > 0 {
		return reqs
	}
	return parseQuotedLines(text)
}

func parseJSONRequests(text string) []request {
	jsonStr := extractJSON(text)
	if jsonStr == "" {
		return nil
	}
	var env requestEnvelope
	if err := json.Unmarshal([]byte(jsonStr), &env); err != nil {
		return nil
	}

	var out []request
	for _, r := range append([]request{env.request}, env.Requests...) {
		r.Query = strings.TrimSpace(r.Query)
		if r.Query == "" {
			continue
		}
		r.Source = strings.TrimPrefix(strings.TrimSpace(r.Source), "@")
		out = append(out, r)
	}
	return out
}

var (
	// 窄化后「」会变成半角的｢｣，两种都认
	quotedPattern = regexp.MustCompile(`"([^"]+)"|“([^”]+)”|「([^」]+)」|｢([^｣]+)｣`)
	hintPattern   = regexp.MustCompile(`@([A-Za-z][\w:.\-]*)`)
)

// parseQuotedLines 每行取第一个引号内的查询词，同一行的 @source 作为数据源提示
func parseQuotedLines(text string) []request {
	var out []request
	for _, line := range strings.Split(text, "\n") {
		m := quotedPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		query := strings.TrimSpace(m[1] + m[2] + m[3] + m[4])
		if query == "" {
			continue
		}
		r := request{Query: query}
		rest := quotedPattern.ReplaceAllString(line, " ")
		if h := hintPattern.FindStringSubmatch(rest); h != nil {
			r.Source = h[1]
		}
		out = append(out, r)
	}
	return out
}

// extractJSON 从文本中提取 JSON 对象
func extractJSON(content string) string {
	// 方法1: 整段就是 JSON
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "{") && strings.HasSuffix(content, "}") {
		return content
	}

	// 方法2: ```json 代码块
	if idx := strings.Index(content, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(content[start:], "```"); end != -1 {
			return strings.TrimSpace(content[start : start+end])
		}
	}

	// 方法3: 第一个括号配平的对象
	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(content); i++ {
		c := content[i]
		switch {
		case escape:
			escape = false
		case c == '\\' && inString:
			escape = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}
	return ""
}
