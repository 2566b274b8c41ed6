package opendap

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odds/internal/external"
	"odds/internal/grid"
	"odds/internal/types"
)

const testDDS = `Dataset {
    Float64 lat[lat = 3];
    Float64 lon[lon = 3];
    Float64 time[time = 2];
    Grid {
      ARRAY:
        Float32 pr[time = 2][lat = 3][lon = 3];
      MAPS:
        Float64 time[time = 2];
        Float64 lat[lat = 3];
        Float64 lon[lon = 3];
    } pr;
} datasets/storage/pr.nc;
`

const testDAS = `Attributes {
    lat {
        String units "degrees_north";
    }
    time {
        String units "days since 1950-01-01 00:00:00";
        String calendar "365_day";
    }
    pr {
        Float32 _FillValue 1.0E20;
        Float32 missing_value 1.0E20, -9999.0;
        String units "mm/day";
    }
    NC_GLOBAL {
        String title "test";
        history {
            String nested "ignored";
        }
    }
}
`

const latASCII = `Dataset {
    Float64 lat[lat = 3];
} datasets/storage/pr.nc;
---------------------------------------------
lat[3]
48.0, 49.0, 50.0

`

const cellASCII = `Dataset {
    Grid {
      ARRAY:
        Float32 pr[time = 1][lat = 1][lon = 1];
      MAPS:
        Float64 time[time = 1];
        Float64 lat[lat = 1];
        Float64 lon[lon = 1];
    } pr;
} datasets/storage/pr.nc;
---------------------------------------------
pr.pr[1][1][1]
[0][0], NaN

pr.time[1]
0.0

pr.lat[1]
49.0

pr.lon[1]
-123.0

`

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/pr.nc.dds":
			w.Write([]byte(testDDS))
		case r.URL.Path == "/pr.nc.das":
			w.Write([]byte(testDAS))
		case r.URL.Path == "/pr.nc.ascii" && r.URL.RawQuery == "lat":
			w.Write([]byte(latASCII))
		case r.URL.Path == "/pr.nc.ascii" && r.URL.RawQuery == "lon":
			w.Write([]byte("-------\nlon[3]\n-124.0, -123.0, -122.0\n"))
		case r.URL.Path == "/pr.nc.ascii" && r.URL.RawQuery == "pr[0][1][1]":
			w.Write([]byte(cellASCII))
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestClient() *Client {
	base := external.NewBaseClient(&http.Client{Timeout: 5 * time.Second}, "opendap-test",
		external.NoRetryPolicy(), "odds-test", external.WithSleepFunc(func(time.Duration) {}))
	return NewClient(base, nil)
}

func TestOpenDataset(t *testing.T) {
	server := newServer(t)
	defer server.Close()

	ds, err := newTestClient().OpenDataset(context.Background(), server.URL+"/pr.nc?pr[0:1][0:2][0:2]")
	require.NoError(t, err)
	assert.Equal(t, server.URL+"/pr.nc", ds.URL())

	shape, err := ds.Shape("pr")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 3}, shape)

	assert.Equal(t, "365_day", ds.Attributes("time").String("calendar"))
	fill, ok := ds.Attributes("pr").Number("_FillValue")
	assert.True(t, ok)
	assert.Equal(t, 1e20, fill)
	assert.Equal(t, []float64{1e20, -9999}, ds.Attributes("pr")["missing_value"].Numbers)
	assert.Empty(t, ds.Attributes("history"))

	lats, err := ds.Values(context.Background(), "lat")
	require.NoError(t, err)
	assert.Equal(t, []float64{48, 49, 50}, lats)

	v, masked, err := ds.Cell(context.Background(), "pr", 0, 1, 1)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(v))
	assert.False(t, masked)

	_, err = ds.Shape("tas")
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamDataUnavailable))
}

func TestOpen_NotFound(t *testing.T) {
	server := newServer(t)
	defer server.Close()

	_, err := newTestClient().Open(context.Background(), server.URL+"/missing.nc")
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamDataUnavailable))
}

func TestCheckerOverOPeNDAP(t *testing.T) {
	server := newServer(t)
	defer server.Close()

	checker := grid.NewChecker(newTestClient(), nil, nil)
	ok, err := checker.PointInMask(context.Background(), server.URL+"/pr.nc", "pr", types.Point{Lat: 49.1, Lon: -123.2})
	require.NoError(t, err)
	assert.False(t, ok, "NaN cell must be treated as masked")
}

func TestParseASCII(t *testing.T) {
	vals, err := ParseASCII([]byte(cellASCII), "lat")
	require.NoError(t, err)
	assert.Equal(t, []float64{49}, vals)

	multi := "-----\npr.pr[1][2][2]\n[0][0], 1.5, 2.5\n[0][1], 3.5, 4.5\n"
	vals, err = ParseASCII([]byte(multi), "pr")
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 2.5, 3.5, 4.5}, vals)

	_, err = ParseASCII([]byte(latASCII), "lon")
	assert.Error(t, err)
}

func TestParseDDS_Empty(t *testing.T) {
	_, err := ParseDDS([]byte("Dataset {\n} x;\n"))
	assert.Error(t, err)
}
