package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odds/internal/types"
)

func TestEmbeddedTable(t *testing.T) {
	table := Indices()
	assert.Len(t, table.All(), 21)
	assert.Len(t, table.Group(types.VarPrecipitation), 6)
	assert.Len(t, table.Group(types.GroupMultivar), 2)

	d, ok := table.Lookup("Daily Temperature Range")
	require.True(t, ok)
	assert.Equal(t, "dtr", d.ID)
	assert.Equal(t, []Input{{Name: "tasmin", Variable: types.VarTasmin}, {Name: "tasmax", Variable: types.VarTasmax}}, d.Inputs)

	th, ok := table.Threshold("n_day")
	require.True(t, ok)
	opts := th.Options()
	assert.Equal(t, "1 day", opts[0])
	assert.Equal(t, "10 days", opts[len(opts)-1])

	gsl, _ := table.Lookup("growing_season_length")
	assert.Equal(t, Resolutions, gsl.ResolutionOptions())
	sdii, _ := table.Lookup("sdii")
	assert.Len(t, sdii.ResolutionOptions(), 3+12+4)
}

func TestLoadIndexTable_Rejects(t *testing.T) {
	_, err := LoadIndexTable([]byte(`[[index]]
id = "x"
name = "X"
group = "pr"
inputs = [{ name = "pr", variable = "pr" }]
threshold = "missing"
`))
	assert.Error(t, err)

	_, err = LoadIndexTable([]byte(`[[index]]
id = "x"
name = "X"
group = "snow"
inputs = [{ name = "pr", variable = "pr" }]
`))
	assert.Error(t, err)
}

func TestAssembleIndex(t *testing.T) {
	tests := []struct {
		name       string
		req        types.IndexRequest
		params     map[string]string
		outputName string
	}{
		{
			name:       "monthly frost days",
			req:        types.IndexRequest{Identifier: "frost_days", Resolution: "Monthly"},
			params:     map[string]string{"freq": "MS"},
			outputName: "frostdays_monthly",
		},
		{
			name:       "seasonal",
			req:        types.IndexRequest{Identifier: "tx_max", Resolution: "Seasonal"},
			params:     map[string]string{"freq": "QS-DEC"},
			outputName: "txmax_seasonal",
		},
		{
			name:       "annual",
			req:        types.IndexRequest{Identifier: "cdd", Resolution: "Annual"},
			params:     map[string]string{"freq": "YS"},
			outputName: "cdd_annual",
		},
		{
			name:       "no resolution",
			req:        types.IndexRequest{Identifier: "cdd"},
			params:     map[string]string{},
			outputName: "cdd_annual",
		},
		{
			name:       "specific month",
			req:        types.IndexRequest{Identifier: "sdii", Resolution: "March"},
			params:     map[string]string{"freq": "YS", "month": "3"},
			outputName: "sdii_mar",
		},
		{
			name:       "specific season",
			req:        types.IndexRequest{Identifier: "dtr", Resolution: "Summer-JJA"},
			params:     map[string]string{"freq": "YS", "season": "JJA"},
			outputName: "dtr_jja",
		},
		{
			name:       "window threshold",
			req:        types.IndexRequest{Name: "Max N-day Precip Amount", Resolution: "Annual", Threshold: "5 days"},
			params:     map[string]string{"freq": "YS", "window": "5"},
			outputName: "rx5day_annual",
		},
		{
			name:       "default threshold",
			req:        types.IndexRequest{Identifier: "wetdays", Resolution: "Monthly"},
			params:     map[string]string{"freq": "MS", "thresh": "10 mm/day"},
			outputName: "r10mm_monthly",
		},
		{
			name:       "summer days",
			req:        types.IndexRequest{Identifier: "tx_days_above", Resolution: "Annual", Threshold: "27 degC"},
			params:     map[string]string{"freq": "YS", "thresh": "27 degC"},
			outputName: "summer_days_27C_annual",
		},
		{
			name:       "override",
			req:        types.IndexRequest{Identifier: "heating_degree_days", Resolution: "Annual"},
			params:     map[string]string{"freq": "YS", "thresh": "5 degC"},
			outputName: "hdd_annual",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := AssembleIndex(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.params, job.Params)
			assert.Equal(t, tt.outputName, job.OutputName)
		})
	}
}

func TestAssembleIndex_Invalid(t *testing.T) {
	_, err := AssembleIndex(types.IndexRequest{Identifier: "nope"})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidIndex))

	_, err = AssembleIndex(types.IndexRequest{Identifier: "wetdays", Threshold: "31 mm/day"})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationThreshold))

	_, err = AssembleIndex(types.IndexRequest{Identifier: "tx_max", Threshold: "25 degC"})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationThreshold))

	_, err = AssembleIndex(types.IndexRequest{Identifier: "growing_season_length", Resolution: "May"})
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidResolution))
}

func TestIndexJobWPSInputs(t *testing.T) {
	job, err := AssembleIndex(types.IndexRequest{Identifier: "dtr", Resolution: "Monthly"})
	require.NoError(t, err)

	in, err := job.WPSInputs(map[types.Variable]string{
		types.VarTasmin: "https://h/dodsC/tasmin.nc",
		types.VarTasmax: "https://h/dodsC/tasmax.nc",
	})
	require.NoError(t, err)
	require.Len(t, in, 4)
	assert.Equal(t, "tasmin", in[0].Identifier)
	assert.True(t, in[0].Reference)
	assert.Equal(t, "https://h/dodsC/tasmax.nc", in[1].Value)
	assert.Equal(t, "freq", in[2].Identifier)
	assert.Equal(t, "dtr_monthly", in[3].Value)

	_, err = job.WPSInputs(map[types.Variable]string{types.VarTasmax: "x"})
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundOutput))
}
