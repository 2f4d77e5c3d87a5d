// Package commands implements the cloakroom CLI.
package commands
