// Copyright (c) 2014-2016 Bitmark Inc.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// error instances
//
// Provides a single instance of errors to allow easy comparison
package fault

// error base
type GenericError string

// to allow for different classes of errors
type ExistsError GenericError
type InvalidError GenericError
type NotFoundError GenericError
type ProcessError GenericError
type PermissionError GenericError

// common errors - keep in alphabetic order
var (
	ErrAlreadyInitialised           = ProcessError("already initialised")
	ErrCertificateFileAlreadyExists = ExistsError("certificate file already exists")
	ErrEmptyID                      = InvalidError("Empty ID")
	ErrInvalidCount                 = InvalidError("invalid count")
	ErrInvalidIPAddress             = InvalidError("invalid IP address")
	ErrInvalidLoggerChannel         = ProcessError("invalid logger channel")
	ErrInvalidParameter             = InvalidError("invalid parameter")
	ErrInvalidPortNumber            = InvalidError("invalid port number")
	ErrInvalidPassword              = InvalidError("Invalid password for update of vendor information")
	ErrInvalidStructPointer         = InvalidError("invalid struct pointer")
	ErrNilObject                    = InvalidError("obj is null")
	ErrNoKeys                       = InvalidError("no keys")
	ErrNonDeletable                 = InvalidError("Object is marked as non deletable")
	ErrNotExists                    = NotFoundError("Not exists")
	ErrNotInitialised               = ProcessError("not initialised")
	ErrPermissionDenied             = PermissionError("permissionError")
	ErrYetExists                    = ExistsError("Yet exists")
)

// InvalidID formats the "Invalid ID: <id>" error required by the wire
// error taxonomy; kept as a function rather than a fixed sentinel because
// the offending id is part of the message.
func InvalidID(id string) error {
	return InvalidError("Invalid ID: " + id)
}

// the error interface base method
func (e GenericError) Error() string { return string(e) }

// the error interface methods
func (e ExistsError) Error() string { return string(e) }
func (e InvalidError) Error() string { return string(e) }

// NotFoundError, ProcessError and PermissionError all render their stored
// message verbatim: for PermissionError this is deliberate, every denial
// (regardless of the reason logged internally) surfaces as the single
// literal string "permissionError" per the ACL engine's uniform denial
// rule.
func (e NotFoundError) Error() string   { return string(e) }
func (e ProcessError) Error() string    { return string(e) }
func (e PermissionError) Error() string { return string(e) }

// determine the class of an error
func IsErrExists(e error) bool     { _, ok := e.(ExistsError); return ok }
func IsErrInvalid(e error) bool    { _, ok := e.(InvalidError); return ok }
func IsErrNotFound(e error) bool   { _, ok := e.(NotFoundError); return ok }
func IsErrProcess(e error) bool    { _, ok := e.(ProcessError); return ok }
func IsErrPermission(e error) bool { _, ok := e.(PermissionError); return ok }
