package wire

import "fmt"

// Handshake runs the initiating side of the handshake on an established
// connection: version exchange, password when demanded, role selection,
// range assignment. It returns the request-id range granted by the router.
//
// role must be ModeServer (database peer) or ModeClient. password is sent
// only if the router asks for one; an empty password with a demanding
// router fails with ErrPasswordRequired.
func Handshake(fr *FrameReader, fw *FrameWriter, role Mode, password string) (start, end uint64, err error) {
	if err := fw.WriteFrame(EncodeVersion(Version)); err != nil {
		return 0, 0, fmt.Errorf("send version: %w", err)
	}

	status, err := fr.ReadFrame()
	if err != nil {
		return 0, 0, fmt.Errorf("read version status: %w", err)
	}
	switch {
	case len(status) != 1:
		return 0, 0, fmt.Errorf("version status of %d bytes: %w", len(status), ErrProtocolViolation)
	case status[0] == StatusOK:
		// Proceed to role selection.
	case status[0] == StatusError:
		return 0, 0, ErrVersionMismatch
	case status[0] == StatusPasswordRequired:
		if password == "" {
			return 0, 0, ErrPasswordRequired
		}
		if err := fw.WriteFrame([]byte(password)); err != nil {
			return 0, 0, fmt.Errorf("send password: %w", err)
		}
		pwStatus, perr := fr.ReadFrame()
		if perr != nil {
			return 0, 0, fmt.Errorf("read password status: %w", perr)
		}
		switch {
		case len(pwStatus) == 1 && pwStatus[0] == StatusOK:
			// Authenticated.
		case len(pwStatus) == 1 && pwStatus[0] == StatusError:
			return 0, 0, ErrIncorrectPassword
		default:
			return 0, 0, fmt.Errorf("password status %x: %w", pwStatus, ErrProtocolViolation)
		}
	default:
		return 0, 0, fmt.Errorf("version status %x: %w", status, ErrProtocolViolation)
	}

	if err := fw.WriteFrame([]byte{byte(role)}); err != nil {
		return 0, 0, fmt.Errorf("send role: %w", err)
	}

	rangeFrame, err := fr.ReadFrame()
	if err != nil {
		return 0, 0, fmt.Errorf("read range: %w", err)
	}
	start, end, err = DecodeRange(rangeFrame)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}
