package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/fieldops/safesync/internal/entity"
	"github.com/fieldops/safesync/internal/httpx"
	"github.com/fieldops/safesync/internal/syncerr"
)

// pathSegment maps entity types to the target API's collection paths.
var pathSegment = map[entity.Type]string{
	entity.TypeEmployee:   "employees",
	entity.TypeVehicle:    "vehicles",
	entity.TypeDepartment: "departments",
	entity.TypeJob:        "jobs",
	entity.TypeTitle:      "titles",
	entity.TypeAssetType:  "asset-types",
	entity.TypeRole:       "roles",
	entity.TypeSite:       "sites",
}

// targetItem is the target API's wire shape for one entity.
type targetItem struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

type targetPage struct {
	Items      []targetItem `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type targetUpsertResp struct {
	Result string `json:"result"`
	ID     string `json:"id"`
}

// TargetClient talks to the safety-management SaaS, the authoritative
// system the engine writes to.
type TargetClient struct {
	http    *httpx.Client
	baseURL string
	token   string
	pageLen int
}

// NewTarget builds the target adapter.
func NewTarget(client *httpx.Client, baseURL, token string) *TargetClient {
	return &TargetClient{http: client, baseURL: baseURL, token: token, pageLen: 200}
}

func (t *TargetClient) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+t.token)
	h.Set("Accept", "application/json")
	return h
}

func (t *TargetClient) collectionURL(typ entity.Type) (string, error) {
	seg, ok := pathSegment[typ]
	if !ok {
		return "", syncerr.New(syncerr.CodeInternal, fmt.Sprintf("no target path for type %q", typ))
	}
	return t.baseURL + "/api/v1/" + seg, nil
}

func decodeItem(typ entity.Type, it targetItem) (entity.Record, error) {
	rec, err := entity.NewRecord(typ, it.ID)
	if err != nil {
		return nil, err
	}
	for k, v := range it.Fields {
		rec.SetField(k, v)
	}
	return rec, nil
}

// ListAll pages through the collection and returns records sorted by id.
func (t *TargetClient) ListAll(ctx context.Context, typ entity.Type) ([]entity.Record, error) {
	base, err := t.collectionURL(typ)
	if err != nil {
		return nil, err
	}

	var out []entity.Record
	cursor := ""
	for {
		q := url.Values{"limit": {fmt.Sprint(t.pageLen)}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		resp, err := t.http.Do(ctx, httpx.Request{
			Service: "target",
			Method:  http.MethodGet,
			URL:     base + "?" + q.Encode(),
			Header:  t.headers(),
		})
		if err != nil {
			return nil, err
		}
		var page targetPage
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return nil, syncerr.Wrap(syncerr.CodeInternal, "decode target page", err)
		}
		for _, it := range page.Items {
			rec, err := decodeItem(typ, it)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out, nil
}

// GetByID returns nil, nil when the entity does not exist.
func (t *TargetClient) GetByID(ctx context.Context, typ entity.Type, id string) (entity.Record, error) {
	base, err := t.collectionURL(typ)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(ctx, httpx.Request{
		Service: "target",
		Method:  http.MethodGet,
		URL:     base + "/" + url.PathEscape(id),
		Header:  t.headers(),
	})
	if err != nil {
		if syncerr.Is(err, syncerr.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var it targetItem
	if err := json.Unmarshal(resp.Body, &it); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeInternal, "decode target item", err)
	}
	return decodeItem(typ, it)
}

// Upsert PUTs the record under its business id. The idempotency key is
// derived from the fingerprint, so re-sending an unchanged payload is
// safe and never duplicates.
func (t *TargetClient) Upsert(ctx context.Context, rec entity.Record, idempotencyKey string) (UpsertResult, error) {
	base, err := t.collectionURL(rec.EntityType())
	if err != nil {
		return UpsertResult{}, err
	}
	body, err := json.Marshal(targetItem{ID: rec.EntityID(), Fields: rec.Fields()})
	if err != nil {
		return UpsertResult{}, syncerr.Wrap(syncerr.CodeInternal, "encode payload", err)
	}
	h := t.headers()
	h.Set("Content-Type", "application/json")

	resp, err := t.http.Do(ctx, httpx.Request{
		Service:        "target",
		Method:         http.MethodPut,
		URL:            base + "/" + url.PathEscape(rec.EntityID()),
		Header:         h,
		Body:           body,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return UpsertResult{}, err
	}

	var ur targetUpsertResp
	if err := json.Unmarshal(resp.Body, &ur); err != nil {
		return UpsertResult{}, syncerr.Wrap(syncerr.CodeInternal, "decode upsert response", err)
	}
	res := UpsertResult{ID: ur.ID}
	switch ur.Result {
	case "created":
		res.Outcome = OutcomeCreated
	case "updated":
		res.Outcome = OutcomeUpdated
	default:
		// Some deployments only signal via status code.
		if resp.Status == http.StatusCreated {
			res.Outcome = OutcomeCreated
		} else {
			res.Outcome = OutcomeUpdated
		}
	}
	if res.ID == "" {
		res.ID = rec.EntityID()
	}
	return res, nil
}

// Delete removes the entity; returns false when it was already gone.
func (t *TargetClient) Delete(ctx context.Context, typ entity.Type, id string) (bool, error) {
	base, err := t.collectionURL(typ)
	if err != nil {
		return false, err
	}
	_, err = t.http.Do(ctx, httpx.Request{
		Service: "target",
		Method:  http.MethodDelete,
		URL:     base + "/" + url.PathEscape(id),
		Header:  t.headers(),
	})
	if err != nil {
		if syncerr.Is(err, syncerr.CodeNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
