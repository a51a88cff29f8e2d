/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// Command and join failures, scoped to the offending connection. None of
// these are fatal to the server process.
var (
	errInvalidTransition   = errors.New("command not valid in current game status")
	errOutOfRange          = errors.New("question number beyond authored set")
	errPinMismatch         = errors.New("name exists with a different pin")
	errHostAlreadyActive   = errors.New("another host is already connected")
	errStaleSubmission     = errors.New("answer arrived after close")
	errDuplicateSubmission = errors.New("answer already recorded for this question")
)

// Table store failures.
var (
	errNotFound = errors.New("record not found")
	errConflict = errors.New("stored version does not match expected version")
)

// errorCode maps a taxonomy error to the wire code sent back to the
// offending client.
func errorCode(err error) string {
	switch {
	case errors.Is(err, errInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, errOutOfRange):
		return "out_of_range"
	case errors.Is(err, errPinMismatch):
		return "pin_mismatch"
	case errors.Is(err, errHostAlreadyActive):
		return "host_already_active"
	case errors.Is(err, errStaleSubmission):
		return "stale_submission"
	case errors.Is(err, errDuplicateSubmission):
		return "duplicate_submission"
	default:
		return "internal_error"
	}
}

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(getFavicon())
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
