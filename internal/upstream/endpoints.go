package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// listAll walks the upstream's pagination (results/count/next) until
// exhausted.
func listAll[T any](ctx context.Context, c *Client, path string, extra url.Values) ([]T, error) {
	var all []T
	for page := 1; ; page++ {
		q := pageQuery(page, c.pageSize)
		for k, vs := range extra {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		var p Page[T]
		if err := c.getJSON(ctx, path, q, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Results...)
		if p.Next == "" || len(p.Results) == 0 {
			return all, nil
		}
	}
}

// ── Channels ─────────────────────────────────────────────────────────

func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	return listAll[Channel](ctx, c, "/api/channels/channels/", nil)
}

func (c *Client) GetChannel(ctx context.Context, id int64) (*Channel, error) {
	var ch Channel
	if err := c.getJSON(ctx, fmt.Sprintf("/api/channels/channels/%d/", id), nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *Client) CreateChannel(ctx context.Context, ch *Channel) (*Channel, error) {
	var created Channel
	if err := c.writeJSON(ctx, http.MethodPost, "/api/channels/channels/", ch, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) UpdateChannel(ctx context.Context, id int64, fields map[string]any) (*Channel, error) {
	var updated Channel
	path := fmt.Sprintf("/api/channels/channels/%d/", id)
	if err := c.writeJSON(ctx, http.MethodPatch, path, fields, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (c *Client) DeleteChannel(ctx context.Context, id int64) error {
	return c.writeJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/channels/channels/%d/", id), nil, nil)
}

func (c *Client) AddStreamToChannel(ctx context.Context, channelID, streamID int64) error {
	path := fmt.Sprintf("/api/channels/channels/%d/streams/", channelID)
	return c.writeJSON(ctx, http.MethodPost, path, map[string]int64{"stream_id": streamID}, nil)
}

func (c *Client) RemoveStreamFromChannel(ctx context.Context, channelID, streamID int64) error {
	path := fmt.Sprintf("/api/channels/channels/%d/streams/%d/", channelID, streamID)
	return c.writeJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) ReorderChannelStreams(ctx context.Context, channelID int64, streamIDs []int64) error {
	path := fmt.Sprintf("/api/channels/channels/%d/streams/reorder/", channelID)
	return c.writeJSON(ctx, http.MethodPost, path, map[string][]int64{"stream_ids": streamIDs}, nil)
}

// BulkAssignChannelNumbers assigns channel numbers in one upstream call.
func (c *Client) BulkAssignChannelNumbers(ctx context.Context, assignments map[int64]float64) error {
	type entry struct {
		ChannelID     int64   `json:"channel_id"`
		ChannelNumber float64 `json:"channel_number"`
	}
	payload := make([]entry, 0, len(assignments))
	for id, num := range assignments {
		payload = append(payload, entry{ChannelID: id, ChannelNumber: num})
	}
	return c.writeJSON(ctx, http.MethodPost, "/api/channels/channels/assign-numbers/",
		map[string]any{"assignments": payload}, nil)
}

// ── Channel groups ───────────────────────────────────────────────────

func (c *Client) ListChannelGroups(ctx context.Context) ([]ChannelGroup, error) {
	return listAll[ChannelGroup](ctx, c, "/api/channels/groups/", nil)
}

func (c *Client) CreateChannelGroup(ctx context.Context, name string) (*ChannelGroup, error) {
	var g ChannelGroup
	if err := c.writeJSON(ctx, http.MethodPost, "/api/channels/groups/",
		map[string]string{"name": name}, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) RenameChannelGroup(ctx context.Context, id int64, name string) error {
	path := fmt.Sprintf("/api/channels/groups/%d/", id)
	return c.writeJSON(ctx, http.MethodPatch, path, map[string]string{"name": name}, nil)
}

// DeleteChannelGroup removes a group. Groups still referenced by an M3U
// account are hidden (disabled) instead of deleted.
func (c *Client) DeleteChannelGroup(ctx context.Context, id int64, stillReferenced bool) error {
	path := fmt.Sprintf("/api/channels/groups/%d/", id)
	if stillReferenced {
		return c.writeJSON(ctx, http.MethodPatch, path, map[string]bool{"enabled": false}, nil)
	}
	return c.writeJSON(ctx, http.MethodDelete, path, nil, nil)
}

// ── Streams ──────────────────────────────────────────────────────────

func (c *Client) ListStreams(ctx context.Context, accountIDs []int64) ([]Stream, error) {
	extra := url.Values{}
	if len(accountIDs) > 0 {
		ids := make([]string, len(accountIDs))
		for i, id := range accountIDs {
			ids[i] = strconv.FormatInt(id, 10)
		}
		extra.Set("m3u_account", strings.Join(ids, ","))
	}
	return listAll[Stream](ctx, c, "/api/channels/streams/", extra)
}

// GetStreamsByIDs bulk-fetches streams by id.
func (c *Client) GetStreamsByIDs(ctx context.Context, ids []int64) ([]Stream, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.FormatInt(id, 10)
	}
	extra := url.Values{}
	extra.Set("ids", strings.Join(strs, ","))
	return listAll[Stream](ctx, c, "/api/channels/streams/", extra)
}

// ── Logos ────────────────────────────────────────────────────────────

func (c *Client) ListLogos(ctx context.Context) ([]Logo, error) {
	return listAll[Logo](ctx, c, "/api/channels/logos/", nil)
}

func (c *Client) CreateLogo(ctx context.Context, name, logoURL string) (*Logo, error) {
	var l Logo
	if err := c.writeJSON(ctx, http.MethodPost, "/api/channels/logos/",
		map[string]string{"name": name, "url": logoURL}, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// ── M3U accounts / filters / profiles ────────────────────────────────

func (c *Client) ListM3UAccounts(ctx context.Context) ([]M3UAccount, error) {
	return listAll[M3UAccount](ctx, c, "/api/m3u/accounts/", nil)
}

func (c *Client) GetM3UAccount(ctx context.Context, id int64) (*M3UAccount, error) {
	var a M3UAccount
	if err := c.getJSON(ctx, fmt.Sprintf("/api/m3u/accounts/%d/", id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) ListM3UFilters(ctx context.Context, accountID int64) ([]M3UFilter, error) {
	return listAll[M3UFilter](ctx, c, fmt.Sprintf("/api/m3u/accounts/%d/filters/", accountID), nil)
}

func (c *Client) ListM3UProfiles(ctx context.Context, accountID int64) ([]M3UProfile, error) {
	return listAll[M3UProfile](ctx, c, fmt.Sprintf("/api/m3u/accounts/%d/profiles/", accountID), nil)
}

// TriggerM3URefresh asks the upstream to re-pull an account's playlist.
func (c *Client) TriggerM3URefresh(ctx context.Context, accountID int64) error {
	path := fmt.Sprintf("/api/m3u/accounts/%d/refresh/", accountID)
	return c.writeJSON(ctx, http.MethodPost, path, nil, nil)
}

// ── EPG ──────────────────────────────────────────────────────────────

func (c *Client) ListEPGSources(ctx context.Context) ([]EPGSource, error) {
	return listAll[EPGSource](ctx, c, "/api/epg/sources/", nil)
}

func (c *Client) TriggerEPGRefresh(ctx context.Context, sourceID int64) error {
	path := fmt.Sprintf("/api/epg/sources/%d/refresh/", sourceID)
	return c.writeJSON(ctx, http.MethodPost, path, nil, nil)
}
