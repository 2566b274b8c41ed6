// Command oddsctl is the operator tool for odds.
//
// It runs the pieces of a downscaling request by hand against the configured
// Birdhouse deployment: subdomain arithmetic, catalog resolution, grid checks,
// OPeNDAP subset queries and WPS jobs. It also lists stored jobs and runs job
// store maintenance.
//
// Usage:
//
//	oddsctl subdomain --lat 49.25 --lon -123.1
//	oddsctl resolve --dataset CanDCS --technique Univariate --model ACCESS-CM2 --scenario ssp245 --period 1981-2010 --variable pr
//	oddsctl wps run --server finch --process tg_mean --ref tas=https://.../tas.nc --input freq=YS
//	oddsctl maintenance --task all
package main

import (
	"os"
)

func main() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
