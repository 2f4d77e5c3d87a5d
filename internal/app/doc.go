// Package app wires the session engine's dependencies for the CLI.
//
// It builds the account, session stores, key distribution coordinator and
// decrypt router from Config, exposing them through the Machine facade for
// commands to use.
package app
