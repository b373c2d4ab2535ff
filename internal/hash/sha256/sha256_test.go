package sha256

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashKnownDigests(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		in   string
		want string
	}{
		"empty page": {
			in:   "",
			want: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
		"single fragment": {
			in:   "hello world",
			want: "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
		},
	}
	h := New()
	for name, tc := range tests {
		got, err := h.Hash([]byte(tc.in))
		require.NoError(t, err, name)
		require.Equal(t, tc.want, got, name)
	}
}

func TestHashDistinguishesFragmentBoundaries(t *testing.T) {
	t.Parallel()

	h := New()
	joined, err := h.Hash([]byte(strings.Join([]string{"$10", "$20"}, "\n")))
	require.NoError(t, err)
	merged, err := h.Hash([]byte("$10$20"))
	require.NoError(t, err)
	require.NotEqual(t, joined, merged)

	again, err := h.Hash([]byte(strings.Join([]string{"$10", "$20"}, "\n")))
	require.NoError(t, err)
	require.Equal(t, joined, again)
}
