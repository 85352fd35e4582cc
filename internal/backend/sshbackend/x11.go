package sshbackend

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	cryptossh "golang.org/x/crypto/ssh"
)

// localXServer describes how to reach the local X display.
type localXServer struct {
	displayNumber int
	network       string // "unix" | "tcp"
	address       string
}

// detectLocalXServer inspects $DISPLAY, falling back to scanning
// /tmp/.X11-unix for a live socket, mirroring the detection order used
// by the original connection-backend implementation.
func detectLocalXServer() (*localXServer, error) {
	if display := os.Getenv("DISPLAY"); display != "" {
		host, num, err := parseDisplay(display)
		if err != nil {
			return nil, err
		}
		return xServerFromHost(host, num), nil
	}
	entries, err := os.ReadDir("/tmp/.X11-unix")
	if err != nil {
		return nil, fmt.Errorf("no DISPLAY set and /tmp/.X11-unix unreadable: %w", err)
	}
	for _, e := range entries {
		if n, ok := strings.CutPrefix(e.Name(), "X"); ok {
			num, err := strconv.Atoi(n)
			if err != nil {
				continue
			}
			return &localXServer{displayNumber: num, network: "unix", address: filepath.Join("/tmp/.X11-unix", e.Name())}, nil
		}
	}
	return nil, fmt.Errorf("no local X server detected")
}

func parseDisplay(display string) (host string, num int, err error) {
	idx := strings.LastIndex(display, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("malformed DISPLAY %q", display)
	}
	host = display[:idx]
	rest := display[idx+1:]
	if dot := strings.IndexByte(rest, '.'); dot >= 0 {
		rest = rest[:dot]
	}
	num, err = strconv.Atoi(rest)
	if err != nil {
		return "", 0, fmt.Errorf("malformed DISPLAY %q: %w", display, err)
	}
	return host, num, nil
}

func xServerFromHost(host string, num int) *localXServer {
	if host == "" || host == "localhost" || host == "127.0.0.1" {
		socket := filepath.Join("/tmp/.X11-unix", fmt.Sprintf("X%d", num))
		if _, err := os.Stat(socket); err == nil {
			return &localXServer{displayNumber: num, network: "unix", address: socket}
		}
	}
	tcpHost := host
	if tcpHost == "" {
		tcpHost = "localhost"
	}
	return &localXServer{displayNumber: num, network: "tcp", address: net.JoinHostPort(tcpHost, strconv.Itoa(6000+num))}
}

// readLocalXauthCookie shells out to `xauth list :N` the same way the
// original implementation does; returns "" if xauth isn't available or
// has no entry.
func readLocalXauthCookie(displayNumber int) string {
	out, err := exec.Command("xauth", "list", fmt.Sprintf(":%d", displayNumber)).Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[1] == "MIT-MAGIC-COOKIE-1" {
			return fields[2]
		}
	}
	return ""
}

// x11ReqPayload is the SSH_MSG_CHANNEL_REQUEST "x11-req" payload
// (RFC 4254 §6.3.1).
type x11ReqPayload struct {
	SingleConnection bool
	AuthProtocol     string
	AuthCookie       string
	ScreenNumber     uint32
}

// requestX11Forwarding sends an x11-req on session and registers a
// channel handler on client for incoming "x11" channels, proxying each
// one to the local X server detected via detectLocalXServer. Forwarding
// is best-effort: any failure here does not prevent the shell itself
// from starting (spec §4.8).
func requestX11Forwarding(session *cryptossh.Session, client *cryptossh.Client) error {
	localX, err := detectLocalXServer()
	if err != nil {
		return err
	}
	cookie := readLocalXauthCookie(localX.displayNumber)
	if cookie == "" {
		cookie = strings.Repeat("0", 32) // a null cookie still negotiates, just unauthenticated
	}

	payload := cryptossh.Marshal(x11ReqPayload{
		SingleConnection: false,
		AuthProtocol:     "MIT-MAGIC-COOKIE-1",
		AuthCookie:       cookie,
		ScreenNumber:     0,
	})
	ok, err := session.SendRequest("x11-req", true, payload)
	if err != nil {
		return fmt.Errorf("x11-req: %w", err)
	}
	if !ok {
		return fmt.Errorf("x11-req: rejected by server")
	}

	channels := client.HandleChannelOpen("x11")
	go func() {
		for newChannel := range channels {
			ch, requests, err := newChannel.Accept()
			if err != nil {
				continue
			}
			go cryptossh.DiscardRequests(requests)
			go proxyX11Channel(ch, localX)
		}
	}()
	return nil
}

func proxyX11Channel(ch cryptossh.Channel, localX *localXServer) {
	defer ch.Close()
	conn, err := net.Dial(localX.network, localX.address)
	if err != nil {
		return
	}
	defer conn.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(conn, ch); done <- struct{}{} }()
	go func() { io.Copy(ch, conn); done <- struct{}{} }()
	<-done
}
