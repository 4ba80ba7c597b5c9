// Package setup holds the install locations of the capture client and the
// steps that prepare a host for it.
//
// This package is essentially a collection of scripts and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup
