package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity_Normalized(t *testing.T) {
	tests := []struct {
		name string
		in   Identity
		want Identity
	}{
		{"trim and lower", Identity{" Shopee ", "ORDERS", "", "Weekly"}, Identity{"shopee", "orders", "", "weekly"}},
		{"defaults", Identity{}, Identity{"unknown", "unknown", "", "daily"}},
		{"sub-domain kept", Identity{"tiktok", "services", " AI_Assistant", "monthly"}, Identity{"tiktok", "services", "ai_assistant", "monthly"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Normalized())
		})
	}
	assert.False(t, Identity{SubDomain: "  "}.HasSubDomain())
	assert.True(t, Identity{SubDomain: "agent"}.HasSubDomain())
}

func TestRow_OrderPreserved(t *testing.T) {
	var r Row
	require.NoError(t, json.Unmarshal([]byte(`{"z":1,"a":"x","m":null,"n":{"k":2}}`), &r))
	assert.Equal(t, []string{"z", "a", "m", "n"}, r.Keys())

	v, ok := r.Get("z")
	require.True(t, ok)
	assert.Equal(t, json.Number("1"), v)

	out, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"z":1,"a":"x","m":null,"n":{"k":2}}`, string(out))
	assert.Equal(t, `{"z":1,"a":"x","m":null,"n":{"k":2}}`, string(out))
}

func TestRow_SetKeepsPosition(t *testing.T) {
	r := NewRow("a", 1, "b", 2)
	r.Set("a", 3)
	assert.Equal(t, []string{"a", "b"}, r.Keys())
	v, _ := r.Get("a")
	assert.Equal(t, 3, v)
	assert.Equal(t, 2, r.Len())
}

func TestRow_NoHTMLEscape(t *testing.T) {
	r := NewRow("a<b", "x&y")
	out, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Equal(t, `{"a<b":"x&y"}`, string(out))
}

func TestRow_RejectsNonObject(t *testing.T) {
	var r Row
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &r))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "abc", Stringify("abc"))
	assert.Equal(t, "12.50", Stringify(json.Number("12.50")))
	assert.Equal(t, "0.1", Stringify(0.1))
	assert.Equal(t, "7", Stringify(7))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "2025-09-17", Stringify(time.Date(2025, 9, 17, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2025-09-17 10:30:00", Stringify(time.Date(2025, 9, 17, 10, 30, 0, 0, time.UTC)))
}
