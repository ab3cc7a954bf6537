// Package registry is the client for the data-collection backend that owns
// datasets, data elements, users and reporting-rate analytics.
//
// The base URL points at the API root (for example https://dhis.example.org/api).
// Every call that touches org units takes the identifier scheme explicitly.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"reportbridge/internal/restclient"
	"reportbridge/internal/roster"
	logx "reportbridge/pkg/logx"
)

var ErrNotFound = errors.New("registry: not found")

type Config struct {
	BaseURL    string
	Username   string
	Password   string
	Token      string
	Timeout    time.Duration
	RatePerSec float64
	HTTPClient *http.Client
}

type Client struct {
	rc  *restclient.Client
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "registry"))
	rc, err := restclient.New(restclient.Options{
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		RatePerSec: cfg.RatePerSec,
		HTTPClient: cfg.HTTPClient,
		Log:        log,
		Auth: func(r *http.Request) {
			switch {
			case cfg.Token != "":
				r.Header.Set("Authorization", "ApiToken "+cfg.Token)
			case cfg.Username != "":
				r.SetBasicAuth(cfg.Username, cfg.Password)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return &Client{rc: rc, log: log}, nil
}

// DataSet is the subset of dataset metadata the bridge uses.
type DataSet struct {
	ID                string              `json:"id"`
	Code              string              `json:"code"`
	Name              string              `json:"name"`
	PeriodType        string              `json:"periodType"`
	OrganisationUnits []roster.OrgUnitRef `json:"organisationUnits"`
}

// OrgUnitIDs lists the dataset's org units under scheme.
func (d DataSet) OrgUnitIDs(scheme string) []string {
	out := make([]string, 0, len(d.OrganisationUnits))
	for _, ou := range d.OrganisationUnits {
		id := ou.ID
		if strings.EqualFold(scheme, "CODE") {
			id = ou.Code
		}
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// DataSetByCode returns ErrNotFound when no dataset carries code.
func (c *Client) DataSetByCode(ctx context.Context, code string) (DataSet, error) {
	q := url.Values{
		"filter": {"code:eq:" + code},
		"fields": {"id,code,name,periodType,organisationUnits[id,code,name]"},
		"paging": {"false"},
	}
	var out struct {
		DataSets []DataSet `json:"dataSets"`
	}
	if _, err := c.rc.Do(ctx, http.MethodGet, "dataSets", q, nil, &out); err != nil {
		return DataSet{}, fmt.Errorf("fetch data set %s: %w", code, err)
	}
	if len(out.DataSets) == 0 {
		return DataSet{}, fmt.Errorf("data set %s: %w", code, ErrNotFound)
	}
	return out.DataSets[0], nil
}

// DataElementCodes returns the codes of the data elements in the dataset.
func (c *Client) DataElementCodes(ctx context.Context, dataSetCode string) ([]string, error) {
	q := url.Values{
		"filter": {"dataSetElements.dataSet.code:eq:" + dataSetCode},
		"fields": {"code"},
		"paging": {"false"},
	}
	var out struct {
		DataElements []struct {
			Code string `json:"code"`
		} `json:"dataElements"`
	}
	if _, err := c.rc.Do(ctx, http.MethodGet, "dataElements", q, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch data elements of %s: %w", dataSetCode, err)
	}
	codes := make([]string, 0, len(out.DataElements))
	for _, de := range out.DataElements {
		if de.Code != "" {
			codes = append(codes, de.Code)
		}
	}
	return codes, nil
}

// Users lists every user with at least one org-unit membership.
func (c *Client) Users(ctx context.Context) ([]roster.Record, error) {
	q := url.Values{
		"fields": {"id,firstName,surname,phoneNumber,telegram,whatsApp,twitter,facebookMessenger,organisationUnits[id,code,name]"},
		"filter": {"organisationUnits.id:!null"},
		"paging": {"false"},
	}
	var out struct {
		Users []roster.Record `json:"users"`
	}
	if _, err := c.rc.Do(ctx, http.MethodGet, "users", q, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch users: %w", err)
	}
	return out.Users, nil
}

type DataValue struct {
	DataElement         string `json:"dataElement"`
	CategoryOptionCombo string `json:"categoryOptionCombo,omitempty"`
	Value               string `json:"value"`
	Comment             string `json:"comment,omitempty"`
}

type DataValueSet struct {
	DataSet    string      `json:"dataSet"`
	Period     string      `json:"period"`
	OrgUnit    string      `json:"orgUnit"`
	DataValues []DataValue `json:"dataValues"`
}

// ImportSummary is the registry's verdict on a write. Raw is the full body.
type ImportSummary struct {
	Status string          `json:"status"`
	Raw    json.RawMessage `json:"-"`
}

// OK reports whether the registry accepted the write.
func (s ImportSummary) OK() bool {
	return strings.EqualFold(s.Status, "SUCCESS") || strings.EqualFold(s.Status, "OK")
}

// SubmitDataValueSet posts one data value set. Data elements and category
// option combos are named by code. A rejected import is not an error: the
// summary carries the status and the raw body.
func (c *Client) SubmitDataValueSet(ctx context.Context, dvs DataValueSet, orgUnitScheme string) (ImportSummary, error) {
	q := url.Values{
		"dataElementIdScheme":         {"CODE"},
		"categoryOptionComboIdScheme": {"CODE"},
		"orgUnitIdScheme":             {orgUnitScheme},
	}
	return c.write(ctx, "dataValueSets", q, dvs)
}

type Registration struct {
	DataSet          string `json:"dataSet"`
	Period           string `json:"period"`
	OrganisationUnit string `json:"organisationUnit"`
	Completed        bool   `json:"completed"`
}

// CompleteRegistration marks the dataset complete for period and org unit.
func (c *Client) CompleteRegistration(ctx context.Context, reg Registration, orgUnitScheme string) (ImportSummary, error) {
	reg.Completed = true
	body := struct {
		Regs []Registration `json:"completeDataSetRegistrations"`
	}{Regs: []Registration{reg}}
	q := url.Values{"orgUnitIdScheme": {orgUnitScheme}}
	return c.write(ctx, "completeDataSetRegistrations", q, body)
}

// write posts body and reads an import summary. The registry answers 409
// with a JSON summary for conflicting imports, so that is read, not failed.
func (c *Client) write(ctx context.Context, path string, q url.Values, body any) (ImportSummary, error) {
	var sum ImportSummary
	raw, err := c.rc.DoURL(ctx, http.MethodPost, c.rc.URL(path, q), body, &sum, http.StatusConflict)
	sum.Raw = json.RawMessage(raw)
	if err != nil {
		return sum, fmt.Errorf("post %s: %w", path, err)
	}
	if len(raw) > 0 && !json.Valid(raw) {
		return sum, fmt.Errorf("post %s: non-JSON response", path)
	}
	return sum, nil
}

// ReportingRates returns the reporting rate (0..100) per org unit for the
// dataset and period. Org units are identified under scheme in both the query
// and the result; units with no analytics row are absent from the map.
func (c *Client) ReportingRates(ctx context.Context, dataSetID, periodID string, orgUnits []string, scheme string) (map[string]float64, error) {
	if len(orgUnits) == 0 {
		return map[string]float64{}, nil
	}
	q := url.Values{
		"dimension": {
			"dx:" + dataSetID + ".REPORTING_RATE",
			"ou:" + strings.Join(orgUnits, ";"),
			"pe:" + periodID,
		},
		"inputIdScheme":  {scheme},
		"outputIdScheme": {scheme},
		"skipMeta":       {"true"},
	}
	var out analyticsResponse
	if _, err := c.rc.Do(ctx, http.MethodGet, "analytics", q, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch reporting rate of %s: %w", dataSetID, err)
	}
	return out.ratesByOrgUnit()
}

type analyticsResponse struct {
	Headers []struct {
		Name string `json:"name"`
	} `json:"headers"`
	Rows [][]string `json:"rows"`
}

func (a analyticsResponse) ratesByOrgUnit() (map[string]float64, error) {
	ouCol, valCol := -1, -1
	for i, h := range a.Headers {
		switch h.Name {
		case "ou":
			ouCol = i
		case "value":
			valCol = i
		}
	}
	if ouCol < 0 || valCol < 0 {
		if len(a.Rows) == 0 {
			return map[string]float64{}, nil
		}
		return nil, errors.New("analytics response lacks ou/value headers")
	}
	out := make(map[string]float64, len(a.Rows))
	for _, row := range a.Rows {
		if len(row) <= max(ouCol, valCol) {
			continue
		}
		v, err := strconv.ParseFloat(row[valCol], 64)
		if err != nil {
			return nil, fmt.Errorf("analytics value %q for %s: %w", row[valCol], row[ouCol], err)
		}
		out[row[ouCol]] = v
	}
	return out, nil
}
