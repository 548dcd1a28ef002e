// Package cli implements the extforge command line.
//
//	extforge build [--fast] [--force-increment] [--no-prompt]
//	extforge upload
//	extforge watch [--schedule "@every 1h"] [--metrics-addr :9090]
//	extforge verify dist/com.example_myext-1.3.zip --ca ca.pem
//	extforge history [--name com.example:myext] [--limit 20]
//
// Every command except verify reads the project configuration first; see
// package config for the lookup order.
package cli
