// Package opendap reads remote gridded datasets over DAP2: the .dds
// structure, .das attributes and .ascii data responses served by THREDDS.
package opendap

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"odds/internal/external"
	"odds/internal/grid"
	"odds/internal/types"
)

const maxResponse = 64 << 20

// Variable is one declared array in a DDS.
type Variable struct {
	Type string
	Dims []Dim
}

// Dim is one named array dimension.
type Dim struct {
	Name string
	Size int
}

// Client opens OPeNDAP datasets.
type Client struct {
	base   *external.BaseClient
	logger *slog.Logger
}

// NewClient creates a Client.
func NewClient(base *external.BaseClient, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{base: base, logger: logger}
}

// Open implements grid.Opener. It fetches the DDS and DAS; data is read
// lazily.
func (c *Client) Open(ctx context.Context, url string) (grid.Dataset, error) {
	return c.OpenDataset(ctx, url)
}

// OpenDataset is Open with a concrete return type.
func (c *Client) OpenDataset(ctx context.Context, url string) (*Dataset, error) {
	url = strings.TrimSuffix(url, ".html")
	if i := strings.IndexByte(url, '?'); i >= 0 {
		url = url[:i]
	}

	dds, err := c.get(ctx, url+".dds")
	if err != nil {
		return nil, err
	}
	vars, err := ParseDDS(dds)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamDataUnavailable, url+": malformed DDS", err)
	}

	das, err := c.get(ctx, url+".das")
	if err != nil {
		return nil, err
	}
	attrs := ParseDAS(das)

	c.logger.DebugContext(ctx, "opened dataset", "url", url, "variables", len(vars))
	return &Dataset{url: url, vars: vars, attrs: attrs, client: c}, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to create OPeNDAP request", err)
	}
	resp, err := c.base.Do(req)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamDataUnavailable, "OPeNDAP request failed: "+url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamDataUnavailable, "failed to read OPeNDAP response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeUpstreamDataUnavailable,
			fmt.Sprintf("OPeNDAP %s returned %d", url, resp.StatusCode), nil,
			map[string]any{"status_code": resp.StatusCode})
	}
	return body, nil
}

// Dataset is an opened remote dataset.
type Dataset struct {
	url    string
	vars   map[string]Variable
	attrs  map[string]grid.Attributes
	client *Client
}

// URL is the dataset URL without any constraint.
func (d *Dataset) URL() string { return d.url }

// Variables returns the declared variables.
func (d *Dataset) Variables() map[string]Variable { return d.vars }

// Shape implements grid.Dataset.
func (d *Dataset) Shape(name string) ([]int, error) {
	v, ok := d.vars[name]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeUpstreamDataUnavailable, fmt.Sprintf("%s: no variable %q", d.url, name), nil)
	}
	shape := make([]int, len(v.Dims))
	for i, dim := range v.Dims {
		shape[i] = dim.Size
	}
	return shape, nil
}

// Attributes implements grid.Dataset.
func (d *Dataset) Attributes(name string) grid.Attributes {
	if a, ok := d.attrs[name]; ok {
		return a
	}
	return grid.Attributes{}
}

// Values implements grid.Dataset.
func (d *Dataset) Values(ctx context.Context, name string) ([]float64, error) {
	if _, err := d.Shape(name); err != nil {
		return nil, err
	}
	return d.read(ctx, name, name)
}

// Cell implements grid.Dataset. DAP2 has no mask flag; masking is decided
// from attributes by the caller.
func (d *Dataset) Cell(ctx context.Context, name string, index ...int) (float64, bool, error) {
	var sb strings.Builder
	sb.WriteString(name)
	for _, i := range index {
		fmt.Fprintf(&sb, "[%d]", i)
	}
	vals, err := d.read(ctx, name, sb.String())
	if err != nil {
		return 0, false, err
	}
	if len(vals) != 1 {
		return 0, false, types.NewAppError(types.ErrCodeUpstreamDataUnavailable,
			fmt.Sprintf("%s: expected one value for %s, got %d", d.url, sb.String(), len(vals)), nil)
	}
	return vals[0], false, nil
}

// Close implements grid.Dataset. Nothing is held open between requests.
func (d *Dataset) Close() error { return nil }

func (d *Dataset) read(ctx context.Context, name, constraint string) ([]float64, error) {
	body, err := d.client.get(ctx, d.url+".ascii?"+constraint)
	if err != nil {
		return nil, err
	}
	vals, err := ParseASCII(body, name)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamDataUnavailable, fmt.Sprintf("%s: %v", d.url, err), err)
	}
	return vals, nil
}

var (
	declRe = regexp.MustCompile(`^\s*(\w+)\s+([\w.%-]+)((?:\s*\[[^\]]+\])+)\s*;`)
	dimRe  = regexp.MustCompile(`\[\s*(?:([\w.%-]+)\s*=\s*)?(\d+)\s*\]`)
)

// ParseDDS extracts the array declarations of a DDS. For Grid types the
// first (ARRAY) declaration of a name wins over its MAPS.
func ParseDDS(dds []byte) (map[string]Variable, error) {
	vars := make(map[string]Variable)
	sc := bufio.NewScanner(bytes.NewReader(dds))
	for sc.Scan() {
		m := declRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		name := m[2]
		if _, seen := vars[name]; seen {
			continue
		}
		v := Variable{Type: m[1]}
		for _, dm := range dimRe.FindAllStringSubmatch(m[3], -1) {
			size, err := strconv.Atoi(dm[2])
			if err != nil {
				return nil, err
			}
			v.Dims = append(v.Dims, Dim{Name: dm[1], Size: size})
		}
		vars[name] = v
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(vars) == 0 {
		return nil, fmt.Errorf("no array declarations")
	}
	return vars, nil
}

// ParseDAS extracts variable attributes. Only one level of nesting below
// the Attributes block is read.
func ParseDAS(das []byte) map[string]grid.Attributes {
	out := make(map[string]grid.Attributes)
	var current string
	depth := 0

	sc := bufio.NewScanner(bytes.NewReader(das))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case strings.HasSuffix(line, "{"):
			depth++
			if depth == 2 {
				current = strings.TrimSpace(strings.TrimSuffix(line, "{"))
				out[current] = grid.Attributes{}
			}
			continue
		case line == "}":
			depth--
			if depth < 2 {
				current = ""
			}
			continue
		}
		if depth != 2 || current == "" {
			continue
		}
		typ, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		name, value, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok {
			continue
		}
		value = strings.TrimSuffix(strings.TrimSpace(value), ";")
		if strings.EqualFold(typ, "String") || strings.EqualFold(typ, "Url") {
			out[current][name] = grid.Attr{Text: strings.Trim(value, `"`)}
			continue
		}
		var nums []float64
		for _, part := range strings.Split(value, ",") {
			if f, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err == nil {
				nums = append(nums, f)
			}
		}
		out[current][name] = grid.Attr{Numbers: nums}
	}
	return out
}

var (
	headerRe = regexp.MustCompile(`^([\w.%-]+)(\[\d+\])+$`)
	indexRe  = regexp.MustCompile(`^(\[\d+\])+,\s*`)
)

// ParseASCII extracts the values of name from a DAP2 ASCII response. The
// response is a DDS, a dashed separator line, then one block per variable
// introduced by a header such as "pr.pr[1][1][1]". The first block whose last
// dotted component equals name is returned.
func ParseASCII(body []byte, name string) ([]float64, error) {
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 1<<20), maxResponse)

	inData := false
	inBlock := false
	found := false
	var vals []float64

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !inData {
			if strings.HasPrefix(line, "-----") {
				inData = true
			}
			continue
		}
		if line == "" {
			if found {
				break
			}
			continue
		}
		if m := headerRe.FindStringSubmatch(line); m != nil {
			if found {
				break
			}
			base := m[1]
			if i := strings.LastIndexByte(base, '.'); i >= 0 {
				base = base[i+1:]
			}
			inBlock = base == name
			if inBlock {
				found = true
			}
			continue
		}
		if !inBlock {
			continue
		}
		line = indexRe.ReplaceAllString(line, "")
		for _, part := range strings.Split(line, ",") {
			f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return nil, fmt.Errorf("bad value %q for %s", part, name)
			}
			vals = append(vals, f)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("variable %s not in response", name)
	}
	return vals, nil
}
