package monitor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotificationTargetJSONMasksCredential(t *testing.T) {
	t.Parallel()

	site := "s1"
	target := NotificationTarget{ID: "t1", Name: "ops", ChannelType: ChannelTelegram, Credential: "123:secret", Destination: "-100", SiteID: &site}
	raw, err := json.Marshal(target)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "secret")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, MaskedCredential, decoded["credential"])
	require.Equal(t, "s1", decoded["site_id"])
	require.Equal(t, "123:secret", target.Credential)

	raw, err = json.Marshal([]NotificationTarget{{ID: "t2", ChannelType: ChannelDiscord, Destination: "https://discord.example/hook"}})
	require.NoError(t, err)
	require.NotContains(t, string(raw), "credential")
}
