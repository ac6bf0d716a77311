package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

// ClientDial negotiates with the proxy on conn and asks it to CONNECT to
// address. It returns the bound address reported by the proxy.
func ClientDial(conn net.Conn, auth Auth, address string) (string, error) {
	if err := ClientNegotiate(conn, auth); err != nil {
		return "", err
	}
	return ClientConnect(conn, address)
}

func ClientNegotiate(conn net.Conn, auth Auth) error {
	methods := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if auth.Username == "" {
			return errors.New("server requires username/password")
		}

		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(conn); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return errors.New("auth failed")
		}
		return nil
	default:
		return fmt.Errorf("unsupported negotiation method: %d", neg.Method)
	}
}

// ClientConnect sends a CONNECT request for address. Domain names are sent
// with the domain address type so the proxy resolves them.
func ClientConnect(conn net.Conn, address string) (string, error) {
	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(address)
	if err != nil {
		return "", fmt.Errorf("parse address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		dstAddr = dstAddr[1:]
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, dstAddr, dstPort).WriteTo(conn); err != nil {
		return "", fmt.Errorf("write request: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return "", fmt.Errorf("connect %s failed: %s", address, replyText(rep.Rep))
	}
	return replyAddress(rep), nil
}

func replyAddress(rep *txsocks5.Reply) string {
	port := 0
	if len(rep.BndPort) == 2 {
		port = int(binary.BigEndian.Uint16(rep.BndPort))
	}

	var host string
	switch rep.Atyp {
	case txsocks5.ATYPDomain:
		if len(rep.BndAddr) > 0 {
			host = string(rep.BndAddr[1:])
		}
	default:
		host = net.IP(rep.BndAddr).String()
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
