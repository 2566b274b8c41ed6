package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"odds/internal/scheduler"
	"odds/internal/types"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetArgs(args)
	if err := RootCmd.Execute(); err != nil {
		t.Fatalf("oddsctl %v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

type pointView struct {
	Center types.Point     `json:"center_point"`
	Bounds types.Subdomain `json:"bounds"`
}

func TestSubdomainCommand(t *testing.T) {
	var got pointView
	if err := json.Unmarshal([]byte(execute(t, "subdomain", "--lat", "49.25", "--lon", "-123.1")), &got); err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if got.Center != (types.Point{Lat: 49.25, Lon: -123.1}) {
		t.Errorf("center = %v", got.Center)
	}
	want := types.BoundingBox{LatMin: 49, LatMax: 49.5, LonMin: -123.35, LonMax: -122.85}
	if got.Bounds.Obs != want {
		t.Errorf("obs box = %+v, want %+v", got.Bounds.Obs, want)
	}
	if got.Bounds.Model.LatMin != 48.75 || got.Bounds.Model.LonMax != -122.6 {
		t.Errorf("model box = %+v", got.Bounds.Model)
	}
}

func TestShiftCommand(t *testing.T) {
	var got pointView
	out := execute(t, "shift", "--lat", "49.25", "--lon", "-123.1", "--d-lat", "2", "--d-lon", "-1")
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if got.Center != (types.Point{Lat: 50.25, Lon: -123.6}) {
		t.Errorf("center = %v", got.Center)
	}
	if got.Bounds.Obs.LatMin != 50 {
		t.Errorf("obs lat_min = %v", got.Bounds.Obs.LatMin)
	}
}

func TestParseInputs(t *testing.T) {
	inputs, err := parseInputs(
		[]string{"freq=YS", "thresh=25 degC"},
		[]string{"tas=https://example.org/twitcher/ows/proxy/thredds/dodsC/out.nc"},
	)
	if err != nil {
		t.Fatalf("parseInputs: %v", err)
	}
	if len(inputs) != 3 {
		t.Fatalf("got %d inputs", len(inputs))
	}
	if inputs[1].Identifier != "thresh" || inputs[1].Value != "25 degC" || inputs[1].Reference {
		t.Errorf("literal = %+v", inputs[1])
	}
	if !inputs[2].Reference || inputs[2].Identifier != "tas" {
		t.Errorf("reference = %+v", inputs[2])
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseInputs([]string{bad}, nil); err == nil {
			t.Errorf("%q: expected an error", bad)
		}
	}
}

func TestManager_UnknownServer(t *testing.T) {
	if _, err := manager("hummingbird"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestMaintenancePayload(t *testing.T) {
	p, err := maintenancePayload("fail_stale_jobs", "2026-05-01T03:00:00Z")
	if err != nil {
		t.Fatalf("maintenancePayload: %v", err)
	}
	if p.Task != scheduler.TaskFailStaleJobs || p.ReferenceTime == nil || p.ReferenceTime.Hour() != 3 {
		t.Errorf("payload = %+v", p)
	}

	p, err = maintenancePayload("all", "")
	if err != nil || p.ReferenceTime != nil {
		t.Errorf("payload = %+v, err = %v", p, err)
	}

	if _, err := maintenancePayload("all", "yesterday"); err == nil {
		t.Error("expected a parse error")
	}
}
