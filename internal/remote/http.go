package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/entsync/internal/ir"
	"github.com/roach88/entsync/internal/querykey"
)

// DefaultTimeout bounds every request made by an HTTPSource.
const DefaultTimeout = 10 * time.Second

// HTTPSource talks to a PostgREST-style REST endpoint:
//
//	GET    /<resource>?<field>=<op>.<value>&order=...   read
//	POST   /<resource>                                   insert
//	PATCH  /<resource>?id=eq.<id>                        update
//	DELETE /<resource>?id=eq.<id>                        delete
//
// Offset windows become offset/limit parameters and range windows a Range
// header. Totals come from the Content-Range header.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
	Headers http.Header
	Timeout time.Duration
}

// NewHTTPSource creates a source for baseURL with the default timeout.
func NewHTTPSource(baseURL string, headers http.Header) *HTTPSource {
	return &HTTPSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{},
		Headers: headers,
		Timeout: DefaultTimeout,
	}
}

// Select implements Source.
func (h *HTTPSource) Select(ctx context.Context, spec querykey.Spec) (Page, error) {
	params, err := EncodeParams(spec)
	if err != nil {
		return Page{}, err
	}
	header := http.Header{"Prefer": {"count=exact"}}
	if spec.Window.Kind == querykey.WindowRange {
		header.Set("Range-Unit", "items")
		header.Set("Range", fmt.Sprintf("%d-%d", spec.Window.From, spec.Window.To))
	}

	resp, body, err := h.do(ctx, http.MethodGet, spec.Resource, params, header, nil)
	if err != nil {
		return Page{}, err
	}
	rows, err := decodeRows(spec.Resource, body)
	if err != nil {
		return Page{}, err
	}
	return Page{Entities: rows, Total: parseContentRangeTotal(resp.Header.Get("Content-Range"))}, nil
}

// Insert implements Source.
func (h *HTTPSource) Insert(ctx context.Context, resource string, entity ir.Object) (ir.Object, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", resource, err)
	}
	header := http.Header{"Prefer": {"return=representation"}, "Content-Type": {"application/json"}}
	_, body, err := h.do(ctx, http.MethodPost, resource, nil, header, data)
	if err != nil {
		return nil, err
	}
	return singleRow(resource, "", body)
}

// Update implements Source.
func (h *HTTPSource) Update(ctx context.Context, resource, id string, patch ir.Object) (ir.Object, error) {
	data, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", resource, id, err)
	}
	header := http.Header{"Prefer": {"return=representation"}, "Content-Type": {"application/json"}}
	params := url.Values{ir.IDField: {"eq." + id}}
	_, body, err := h.do(ctx, http.MethodPatch, resource, params, header, data)
	if err != nil {
		return nil, err
	}
	return singleRow(resource, id, body)
}

// Delete implements Source. Deleting a row that is already gone succeeds.
func (h *HTTPSource) Delete(ctx context.Context, resource, id string) error {
	params := url.Values{ir.IDField: {"eq." + id}}
	_, _, err := h.do(ctx, http.MethodDelete, resource, params, nil, nil)
	return err
}

func (h *HTTPSource) do(ctx context.Context, method, resource string, params url.Values, header http.Header, body []byte) (*http.Response, []byte, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := h.BaseURL + "/" + url.PathEscape(resource)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", method, resource, err)
	}
	for k, vs := range h.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range header {
		req.Header[k] = vs
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, NewNetworkError(resource, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, NewNetworkError(resource, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, classifyStatus(resource, params.Get(ir.IDField), resp.StatusCode, data)
	}
	return resp, data, nil
}

func classifyStatus(resource, idParam string, status int, body []byte) error {
	msg := http.StatusText(status)
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		msg = payload.Message
	}
	switch status {
	case http.StatusConflict, http.StatusPreconditionFailed:
		return NewConflictError(resource, strings.TrimPrefix(idParam, "eq."), msg)
	default:
		return NewServerError(resource, status, msg)
	}
}

func decodeRows(resource string, body []byte) ([]ir.Object, error) {
	var rows []ir.Object
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, NewServerError(resource, http.StatusOK, fmt.Sprintf("malformed response: %v", err))
	}
	for i, row := range rows {
		if _, err := ir.EntityID(row); err != nil {
			return nil, NewServerError(resource, http.StatusOK, fmt.Sprintf("row %d: %v", i, err))
		}
	}
	return rows, nil
}

// singleRow extracts the representation returned by a write. No rows for a
// targeted write means the row vanished under us.
func singleRow(resource, id string, body []byte) (ir.Object, error) {
	rows, err := decodeRows(resource, body)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, NewConflictError(resource, id, "row not found")
	}
	return rows[0], nil
}

// parseContentRangeTotal reads the total from "0-9/42" or "*/0".
func parseContentRangeTotal(h string) int {
	_, total, found := strings.Cut(h, "/")
	if !found || total == "*" {
		return UnknownTotal
	}
	n, err := strconv.Atoi(total)
	if err != nil {
		return UnknownTotal
	}
	return n
}

// EncodeParams renders a spec as PostgREST query parameters.
func EncodeParams(spec querykey.Spec) (url.Values, error) {
	params := url.Values{}
	for field, f := range spec.Filters {
		if f.IsZero() {
			continue
		}
		if err := encodeFilter(params, field, f); err != nil {
			return nil, err
		}
	}
	if len(spec.Order) > 0 {
		terms := make([]string, len(spec.Order))
		for i, o := range spec.Order {
			dir := "asc"
			if o.Desc {
				dir = "desc"
			}
			terms[i] = o.Field + "." + dir
		}
		params.Set("order", strings.Join(terms, ","))
	}
	if spec.Window.Kind == querykey.WindowOffset {
		if spec.Window.Offset > 0 {
			params.Set("offset", strconv.Itoa(spec.Window.Offset))
		}
		if spec.Window.Limit > 0 {
			params.Set("limit", strconv.Itoa(spec.Window.Limit))
		}
	}
	return params, nil
}

func encodeFilter(params url.Values, field string, f querykey.Filter) error {
	switch f.Op {
	case querykey.OpIn:
		members := make([]string, len(f.Values))
		for i, v := range f.Values {
			members[i] = quoteMember(formatValue(v))
		}
		params.Add(field, "in.("+strings.Join(members, ",")+")")
	case querykey.OpRange:
		if f.Lower != nil {
			params.Add(field, "gte."+formatValue(f.Lower))
		}
		if f.Upper != nil {
			params.Add(field, "lte."+formatValue(f.Upper))
		}
	case querykey.OpIsNot:
		params.Add(field, "not.is."+formatValue(f.Value))
	case querykey.OpSearch:
		params.Add(field, "wfts."+formatValue(f.Value))
	case querykey.OpOr:
		params.Add("or", "("+formatValue(f.Value)+")")
	case querykey.OpRaw:
		raw, err := url.ParseQuery(formatValue(f.Value))
		if err != nil {
			return fmt.Errorf("raw filter %q: %w", field, err)
		}
		for k, vs := range raw {
			for _, v := range vs {
				params.Add(k, v)
			}
		}
	case "":
		return errors.New("empty operator")
	default:
		params.Add(field, string(f.Op)+"."+formatValue(f.Value))
	}
	return nil
}

func formatValue(v ir.Value) string {
	switch val := v.(type) {
	case nil, ir.Null:
		return "null"
	case ir.String:
		return string(val)
	case ir.Int:
		return strconv.FormatInt(int64(val), 10)
	case ir.Float:
		return strconv.FormatFloat(float64(val), 'g', -1, 64)
	case ir.Bool:
		return strconv.FormatBool(bool(val))
	default:
		data, _ := ir.MarshalCanonical(v)
		return string(data)
	}
}

func quoteMember(s string) string {
	if strings.ContainsAny(s, ",()\"") {
		return strconv.Quote(s)
	}
	return s
}
