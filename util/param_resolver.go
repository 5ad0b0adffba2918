package util

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/oliveagle/jsonpath"
)

var tokenPattern = regexp.MustCompile(`{(.*?)}`)

// ResolveParams substitutes variable references in action parameters against
// the execution's variable bindings. A value that is exactly a $-prefixed
// jsonpath is replaced by the looked-up value with its type preserved;
// {$.path} tokens embedded in strings are interpolated textually. Nested maps
// and lists are resolved recursively.
func ResolveParams(variables map[string]any, params map[string]any) map[string]any {
	output := make(map[string]any)
	resolveParams(variables, params, output)
	return output
}

func resolveParams(variables map[string]any, params map[string]any, output map[string]any) {
	for k, v := range params {
		switch val := v.(type) {
		case map[string]any:
			out := make(map[string]any)
			output[k] = out
			resolveParams(variables, val, out)
		case string:
			output[k] = resolveString(variables, val)
		case []any:
			output[k] = resolveList(variables, val)
		default:
			output[k] = v
		}
	}
}

func resolveString(variables map[string]any, s string) any {
	if strings.HasPrefix(s, "$") {
		value, err := jsonpath.JsonPathLookup(variables, s)
		if err != nil {
			return nil
		}
		return value
	}
	tokens := tokenPattern.FindAllString(s, -1)
	for _, token := range tokens {
		path := strings.TrimSuffix(strings.TrimPrefix(token, "{"), "}")
		if !strings.HasPrefix(path, "$") {
			continue
		}
		value, _ := jsonpath.JsonPathLookup(variables, path)
		s = strings.ReplaceAll(s, token, fmt.Sprintf("%v", value))
	}
	return s
}

func resolveList(variables map[string]any, list []any) []any {
	output := make([]any, 0, len(list))
	for _, v := range list {
		switch val := v.(type) {
		case map[string]any:
			out := make(map[string]any)
			resolveParams(variables, val, out)
			output = append(output, out)
		case string:
			output = append(output, resolveString(variables, val))
		case []any:
			output = append(output, resolveList(variables, val))
		default:
			output = append(output, v)
		}
	}
	return output
}
