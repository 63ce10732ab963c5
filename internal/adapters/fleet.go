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

// fleetVehicle is the fleet provider's wire shape.
type fleetVehicle struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	VIN          string `json:"vin"`
	LicensePlate string `json:"license_plate"`
	SiteCode     string `json:"site_code"`
	Category     string `json:"category"`
}

type fleetPage struct {
	Vehicles []fleetVehicle `json:"vehicles"`
	Page     int            `json:"page"`
	Pages    int            `json:"pages"`
}

// FleetClient reads vehicles from the fleet-management provider.
// The provider is read-only: it only ever feeds the diff's source side.
type FleetClient struct {
	http    *httpx.Client
	baseURL string
	token   string
	pageLen int
}

func NewFleet(client *httpx.Client, baseURL, token string) *FleetClient {
	return &FleetClient{http: client, baseURL: baseURL, token: token, pageLen: 200}
}

func (f *FleetClient) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+f.token)
	h.Set("Accept", "application/json")
	return h
}

func (v fleetVehicle) record() entity.Record {
	return &entity.Vehicle{
		ID:           v.ID,
		Name:         v.Name,
		VIN:          v.VIN,
		LicensePlate: v.LicensePlate,
		Site:         v.SiteCode,
		AssetType:    v.Category,
	}
}

// ListAll supports vehicles only; anything else is a wiring mistake.
func (f *FleetClient) ListAll(ctx context.Context, typ entity.Type) ([]entity.Record, error) {
	if typ != entity.TypeVehicle {
		return nil, syncerr.New(syncerr.CodeInternal, fmt.Sprintf("fleet adapter cannot list %q", typ))
	}

	var out []entity.Record
	for page := 1; ; page++ {
		q := url.Values{
			"page":     {fmt.Sprint(page)},
			"per_page": {fmt.Sprint(f.pageLen)},
		}
		resp, err := f.http.Do(ctx, httpx.Request{
			Service: "fleet",
			Method:  http.MethodGet,
			URL:     f.baseURL + "/v2/vehicles?" + q.Encode(),
			Header:  f.headers(),
		})
		if err != nil {
			return nil, err
		}
		var fp fleetPage
		if err := json.Unmarshal(resp.Body, &fp); err != nil {
			return nil, syncerr.Wrap(syncerr.CodeInternal, "decode fleet page", err)
		}
		for _, v := range fp.Vehicles {
			out = append(out, v.record())
		}
		if fp.Pages == 0 || page >= fp.Pages {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID() < out[j].EntityID() })
	return out, nil
}

func (f *FleetClient) GetByID(ctx context.Context, typ entity.Type, id string) (entity.Record, error) {
	if typ != entity.TypeVehicle {
		return nil, syncerr.New(syncerr.CodeInternal, fmt.Sprintf("fleet adapter cannot get %q", typ))
	}
	resp, err := f.http.Do(ctx, httpx.Request{
		Service: "fleet",
		Method:  http.MethodGet,
		URL:     f.baseURL + "/v2/vehicles/" + url.PathEscape(id),
		Header:  f.headers(),
	})
	if err != nil {
		if syncerr.Is(err, syncerr.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var v fleetVehicle
	if err := json.Unmarshal(resp.Body, &v); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeInternal, "decode fleet vehicle", err)
	}
	return v.record(), nil
}
