//go:build !unix

package main

import "os"

var visibilitySignals []os.Signal

func visibilityFor(os.Signal) (visible, ok bool) { return false, false }

func suspend() {}
