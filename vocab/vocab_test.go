package vocab

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestLoadEncodeDecode(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "vocab.src", []byte("der\nhund\nläuft\n"), 0644))

	v, err := Load(fs, "vocab.src", 0)
	require.NoError(t, err)
	require.Equal(t, 7, v.Len())

	ids := v.Encode("der hund bellt")
	require.Equal(t, []int32{4, 5, UnkID, EosID}, ids)
	require.Equal(t, []string{"der", "hund", "<unk>"}, v.Decode(ids))
}

func TestSizeCap(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "v", []byte("a\nb\nc\nd\n"), 0644))
	v, err := Load(fs, "v", 6)
	require.NoError(t, err)
	require.Equal(t, 6, v.Len())
	require.Equal(t, UnkID, v.Encode("c")[0])
}

func TestStateDictRoundTrip(t *testing.T) {
	v := FromTokens([]string{"a", "b"})
	state, err := v.StateDict()
	require.NoError(t, err)

	restored := FromTokens(nil)
	require.NoError(t, restored.LoadStateDict(state))
	require.Equal(t, v.Encode("a b"), restored.Encode("a b"))
}

func TestRestoreBPE(t *testing.T) {
	require.Equal(t,
		[]string{"lowest", "newer"},
		RestoreBPE([]string{"low@@", "est", "new@@", "er"}))
	require.Equal(t,
		[]string{"dangling"},
		RestoreBPE([]string{"dang@@", "ling@@"}))
}
