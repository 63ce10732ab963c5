package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fieldops/safesync/internal/entity"
	"github.com/fieldops/safesync/internal/httpx"
	"github.com/fieldops/safesync/internal/syncerr"
)

// DirectoryClient reads security groups from the directory service, which
// the engine projects into roles. Access uses the client-credentials
// grant; tokens are cached until shortly before expiry.
type DirectoryClient struct {
	http     *httpx.Client
	baseURL  string
	tenant   string
	clientID string
	secret   string

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewDirectory(client *httpx.Client, baseURL, tenant, clientID, secret string) *DirectoryClient {
	return &DirectoryClient{
		http: client, baseURL: baseURL,
		tenant: tenant, clientID: clientID, secret: secret,
	}
}

type directoryTokenResp struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// accessToken fetches or reuses the client-credentials token.
func (d *DirectoryClient) accessToken(ctx context.Context) (string, error) {
	d.mu.Lock()
	if d.token != "" && time.Until(d.tokenExp) > time.Minute {
		tok := d.token
		d.mu.Unlock()
		return tok, nil
	}
	d.mu.Unlock()

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {d.clientID},
		"client_secret": {d.secret},
		"scope":         {"directory.read"},
	}
	h := http.Header{}
	h.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.http.Do(ctx, httpx.Request{
		Service:        "directory",
		Method:         http.MethodPost,
		URL:            d.baseURL + "/" + url.PathEscape(d.tenant) + "/oauth2/token",
		Header:         h,
		Body:           []byte(form.Encode()),
		IdempotencyKey: "token:" + d.clientID,
	})
	if err != nil {
		return "", err
	}
	var tr directoryTokenResp
	if err := json.Unmarshal(resp.Body, &tr); err != nil || tr.AccessToken == "" {
		return "", syncerr.Wrap(syncerr.CodeAuthFailed, "decode directory token", err)
	}

	d.mu.Lock()
	d.token = tr.AccessToken
	d.tokenExp = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	d.mu.Unlock()
	return tr.AccessToken, nil
}

type directoryGroup struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type directoryGroupPage struct {
	Value    []directoryGroup `json:"value"`
	NextLink string           `json:"@odata.nextLink"`
}

func (g directoryGroup) record() entity.Record {
	return entity.NewRole(g.ID, g.DisplayName)
}

// ListAll supports roles (projected from directory groups) only.
func (d *DirectoryClient) ListAll(ctx context.Context, typ entity.Type) ([]entity.Record, error) {
	if typ != entity.TypeRole {
		return nil, syncerr.New(syncerr.CodeInternal, fmt.Sprintf("directory adapter cannot list %q", typ))
	}
	tok, err := d.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	h.Set("Accept", "application/json")

	var out []entity.Record
	next := d.baseURL + "/v1.0/groups"
	for next != "" {
		resp, err := d.http.Do(ctx, httpx.Request{
			Service: "directory",
			Method:  http.MethodGet,
			URL:     next,
			Header:  h,
		})
		if err != nil {
			return nil, err
		}
		var page directoryGroupPage
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return nil, syncerr.Wrap(syncerr.CodeInternal, "decode directory groups", err)
		}
		for _, g := range page.Value {
			// Only groups tagged for safety roles are projected.
			if strings.HasPrefix(g.DisplayName, "safety-") {
				out = append(out, g.record())
			}
		}
		next = page.NextLink
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out, nil
}

func (d *DirectoryClient) GetByID(ctx context.Context, typ entity.Type, id string) (entity.Record, error) {
	if typ != entity.TypeRole {
		return nil, syncerr.New(syncerr.CodeInternal, fmt.Sprintf("directory adapter cannot get %q", typ))
	}
	tok, err := d.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)

	resp, err := d.http.Do(ctx, httpx.Request{
		Service: "directory",
		Method:  http.MethodGet,
		URL:     d.baseURL + "/v1.0/groups/" + url.PathEscape(id),
		Header:  h,
	})
	if err != nil {
		if syncerr.Is(err, syncerr.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var g directoryGroup
	if err := json.Unmarshal(resp.Body, &g); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeInternal, "decode directory group", err)
	}
	return g.record(), nil
}
