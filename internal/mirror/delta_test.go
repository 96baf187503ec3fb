// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package mirror

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDelta(t *testing.T) {
	raw := `{
		"rid": 7,
		"full_update": false,
		"torrents": {"h1": {"dlspeed": 0, "tags": "a, b,,a"}},
		"torrents_removed": ["h2"],
		"categories": {"Movies": {"name": "Movies", "savePath": "/data/movies", "download_path": false}},
		"categories_removed": ["TV"],
		"tags": ["new"],
		"tags_removed": ["old"],
		"trackers": {"udp://t": ["h1"]},
		"trackers_removed": ["udp://gone"],
		"server_state": {"use_subcategories": true}
	}`

	d, err := DecodeDelta([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, int64(7), d.Rid)
	assert.False(t, d.FullUpdate)
	assert.Equal(t, []string{"h2"}, d.TorrentsRemoved)
	assert.Equal(t, []string{"TV"}, d.CategoriesRemoved)
	assert.Equal(t, []string{"old"}, d.TagsRemoved)
	assert.Equal(t, []string{"udp://gone"}, d.TrackersRemoved)
	assert.Equal(t, []string{"h1"}, d.Trackers["udp://t"])

	td := d.Torrents["h1"]
	speed, ok := td.DlSpeed.Get()
	assert.True(t, ok)
	assert.Zero(t, speed)
	assert.False(t, td.UpSpeed.IsSet())

	tags, ok := td.Tags.Get()
	require.True(t, ok)
	assert.Equal(t, TagList{"a", "b"}, tags)

	path, ok := d.Categories["Movies"].DownloadPath.Get()
	require.True(t, ok)
	assert.False(t, path.Enabled)

	sub, ok := d.ServerState.UseSubcategories.Get()
	require.True(t, ok)
	assert.True(t, sub)
}

func TestDecodeDeltaRejectsWrongShape(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `not json`},
		{name: "torrents is array", raw: `{"rid":1,"torrents":[]}`},
		{name: "speed is string", raw: `{"rid":1,"torrents":{"h1":{"dlspeed":"fast"}}}`},
		{name: "tags is number", raw: `{"rid":1,"torrents":{"h1":{"tags":5}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeDelta([]byte(tt.raw))
			require.Error(t, err)
		})
	}
}

func TestTagListUnmarshal(t *testing.T) {
	var fromString TagList
	require.NoError(t, json.Unmarshal([]byte(`" x , y ,x"`), &fromString))
	assert.Equal(t, TagList{"x", "y"}, fromString)

	var fromArray TagList
	require.NoError(t, json.Unmarshal([]byte(`["x", " ", "z"]`), &fromArray))
	assert.Equal(t, TagList{"x", "z"}, fromArray)

	out, err := json.Marshal(TagList{"x", "y"})
	require.NoError(t, err)
	assert.JSONEq(t, `"x, y"`, string(out))
}

func TestPathOverride(t *testing.T) {
	var p PathOverride
	require.NoError(t, json.Unmarshal([]byte(`"/incomplete"`), &p))
	assert.Equal(t, PathOverride{Path: "/incomplete", Enabled: true}, p)

	require.NoError(t, json.Unmarshal([]byte(`false`), &p))
	assert.Equal(t, PathOverride{}, p)

	out, err := json.Marshal(PathOverride{})
	require.NoError(t, err)
	assert.Equal(t, "false", string(out))
}

func TestDecodePeerDelta(t *testing.T) {
	d, err := DecodePeerDelta([]byte(`{"rid":3,"full_update":true,"show_flags":true,"peers":{"1.2.3.4:5":{"client":"qB","dl_speed":0}}}`))
	require.NoError(t, err)
	assert.True(t, d.FullUpdate)
	require.Contains(t, d.Peers, "1.2.3.4:5")
	assert.True(t, d.Peers["1.2.3.4:5"].DlSpeed.IsSet())

	_, err = DecodePeerDelta([]byte(`{"peers":"nope"}`))
	require.Error(t, err)
}
