//go:build !linux

package main

// There is no driver to reach; compute.Open fails first.
func useDriver() {}
