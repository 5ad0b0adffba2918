package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveParamsExactPathPreservesType(t *testing.T) {
	variables := map[string]any{
		"count": 42,
		"user":  map[string]any{"email": "a@b.co"},
	}
	resolved := ResolveParams(variables, map[string]any{
		"limit": "$.count",
		"to":    "$.user.email",
	})
	assert.Equal(t, 42, resolved["limit"])
	assert.Equal(t, "a@b.co", resolved["to"])
}

func TestResolveParamsInterpolatesTokens(t *testing.T) {
	variables := map[string]any{"name": "Ada", "plan": "pro"}
	resolved := ResolveParams(variables, map[string]any{
		"subject": "Welcome {$.name}, you are on {$.plan}",
	})
	assert.Equal(t, "Welcome Ada, you are on pro", resolved["subject"])
}

func TestResolveParamsRecursesIntoMapsAndLists(t *testing.T) {
	variables := map[string]any{"id": "o-1"}
	resolved := ResolveParams(variables, map[string]any{
		"body": map[string]any{"orderId": "$.id"},
		"tags": []any{"$.id", "static"},
	})
	body := resolved["body"].(map[string]any)
	assert.Equal(t, "o-1", body["orderId"])
	tags := resolved["tags"].([]any)
	assert.Equal(t, []any{"o-1", "static"}, tags)
}

func TestResolveParamsMissingPathYieldsNil(t *testing.T) {
	resolved := ResolveParams(map[string]any{}, map[string]any{"v": "$.missing"})
	assert.Nil(t, resolved["v"])
}

func TestResolveParamsLeavesPlainValuesAlone(t *testing.T) {
	resolved := ResolveParams(map[string]any{"x": 1}, map[string]any{
		"n":    3,
		"s":    "plain",
		"flag": true,
	})
	assert.Equal(t, 3, resolved["n"])
	assert.Equal(t, "plain", resolved["s"])
	assert.Equal(t, true, resolved["flag"])
}
