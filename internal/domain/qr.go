package domain

import (
	"fmt"
	"strings"
)

const qrBrand = "BBHCBazaar"

type QRCode struct {
	OrderNumber string
	Role        Role
	Token       string
}

// QRPayload encodes what a party shows at the outlet. The token inside is
// the credential; the order number is for humans.
func QRPayload(orderNumber string, role Role, token string) string {
	return fmt.Sprintf("%s|ORDER:%s|ROLE:%s|TOKEN:%s", qrBrand, orderNumber, role, token)
}

func ParseQR(payload string) (QRCode, error) {
	parts := strings.Split(strings.TrimSpace(payload), "|")
	if len(parts) != 4 || parts[0] != qrBrand {
		return QRCode{}, fmt.Errorf("%w: malformed qr payload", ErrTokenRejected)
	}

	var qr QRCode
	for _, p := range parts[1:] {
		key, value, ok := strings.Cut(p, ":")
		if !ok || value == "" {
			return QRCode{}, fmt.Errorf("%w: malformed qr payload", ErrTokenRejected)
		}
		switch key {
		case "ORDER":
			qr.OrderNumber = value
		case "ROLE":
			qr.Role = Role(value)
		case "TOKEN":
			qr.Token = value
		default:
			return QRCode{}, fmt.Errorf("%w: unexpected qr field %q", ErrTokenRejected, key)
		}
	}

	if qr.Role != RoleUser && qr.Role != RoleSeller {
		return QRCode{}, fmt.Errorf("%w: qr role %q cannot hold a token", ErrTokenRejected, qr.Role)
	}
	if qr.OrderNumber == "" || qr.Token == "" {
		return QRCode{}, fmt.Errorf("%w: malformed qr payload", ErrTokenRejected)
	}
	return qr, nil
}
