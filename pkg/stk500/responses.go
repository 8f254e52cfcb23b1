// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stk500

// Response body builders, used by devices and simulators. Every response
// echoes the command token so hosts can match replies without relying on
// sequence numbers alone.

// StatusBody builds the minimal [command, status] response body.
func StatusBody(cmd, status byte) []byte {
	return []byte{cmd, status}
}

// SignOnResponseBody builds a sign-on response carrying the programmer name.
func SignOnResponseBody(name string) []byte {
	body := make([]byte, 0, 3+len(name))
	body = append(body, CmdSignOn, StatusOK, byte(len(name)))
	return append(body, name...)
}

// ParameterResponseBody builds a get-parameter response.
func ParameterResponseBody(value byte) []byte {
	return []byte{CmdGetParameter, StatusOK, value}
}

// ReadResponseBody builds a read-memory response: data bracketed by OK
// statuses.
func ReadResponseBody(cmd byte, data []byte) []byte {
	body := make([]byte, 0, 3+len(data))
	body = append(body, cmd, StatusOK)
	body = append(body, data...)
	return append(body, StatusOK)
}

// ByteResponseBody builds a single-byte read response (signature, fuse,
// lock, osccal).
func ByteResponseBody(cmd, value byte) []byte {
	return []byte{cmd, StatusOK, value, StatusOK}
}

// AckResponseBody builds the [command, OK, OK] acknowledgment used by the
// fuse and lock programming commands.
func AckResponseBody(cmd byte) []byte {
	return []byte{cmd, StatusOK, StatusOK}
}

// SpiMultiResponseBody builds a pass-through response wrapping the answer
// bytes with OK statuses.
func SpiMultiResponseBody(rx []byte) []byte {
	body := make([]byte, 0, 3+len(rx))
	body = append(body, CmdSpiMulti, StatusOK)
	body = append(body, rx...)
	return append(body, StatusOK)
}

// ParseStatusResponse extracts the status byte from a response body and
// checks the echoed command token. A non-OK status is reported as a
// StatusError; the status byte is returned either way.
func ParseStatusResponse(body []byte, wantCmd byte) (byte, error) {
	if len(body) < 2 {
		return 0, ErrShortBody
	}
	if body[0] != wantCmd {
		return 0, &UnexpectedReplyError{Want: wantCmd, Got: body[0]}
	}
	if body[1] != StatusOK {
		return body[1], &StatusError{Command: body[0], Status: body[1]}
	}
	return body[1], nil
}

// ParseSignOnResponse extracts the programmer name from a sign-on response.
func ParseSignOnResponse(body []byte) (string, error) {
	if _, err := ParseStatusResponse(body, CmdSignOn); err != nil {
		return "", err
	}
	if len(body) < 3 {
		return "", ErrShortBody
	}
	n := int(body[2])
	if len(body) < 3+n {
		return "", ErrShortBody
	}
	return string(body[3 : 3+n]), nil
}

// ParseParameterResponse extracts the value from a get-parameter response.
func ParseParameterResponse(body []byte) (byte, error) {
	if _, err := ParseStatusResponse(body, CmdGetParameter); err != nil {
		return 0, err
	}
	if len(body) < 3 {
		return 0, ErrShortBody
	}
	return body[2], nil
}

// ParseByteResponse extracts the value from a single-byte read response
// (signature, fuse, lock, osccal).
func ParseByteResponse(body []byte, wantCmd byte) (byte, error) {
	if _, err := ParseStatusResponse(body, wantCmd); err != nil {
		return 0, err
	}
	if len(body) < 4 {
		return 0, ErrShortBody
	}
	return body[2], nil
}

// ParseReadResponse extracts the data block from a read-memory response.
func ParseReadResponse(body []byte, wantCmd byte, n int) ([]byte, error) {
	if _, err := ParseStatusResponse(body, wantCmd); err != nil {
		return nil, err
	}
	if len(body) < 3+n {
		return nil, ErrShortBody
	}
	return body[2 : 2+n], nil
}
