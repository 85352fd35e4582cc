// Command termihub-inspect is a thin, optional development surface:
// it bridges a browser-based WebSocket client to a running agent's
// --listen TCP endpoint so the raw NDJSON JSON-RPC traffic can be
// watched and driven from dev tooling instead of a raw TCP client.
// Not part of the core protocol — grounded on the WebSocket<->PTY
// bridging idiom in Websoft9-AppOS's internal/terminal package, here
// bridging WebSocket<->TCP instead of WebSocket<->PTY.
package main

import (
	"flag"
	"log"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// bridge wires one inspector WebSocket connection to one fresh TCP
// connection against the agent, relaying whole NDJSON lines in both
// directions until either side closes.
func bridge(agentAddr string, conn *websocket.Conn) {
	defer conn.Close()

	tcp, err := net.Dial("tcp", agentAddr)
	if err != nil {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"connect agent: `+err.Error()+`"}`))
		return
	}
	defer tcp.Close()

	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 64*1024)
		for {
			n, err := tcp.Read(buf)
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, buf[:n]); err != nil {
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if _, err := tcp.Write(msg); err != nil {
			break
		}
	}
	<-done
}

func main() {
	httpAddr := flag.String("http", ":9797", "address to serve the inspection WebSocket endpoint on")
	agentAddr := flag.String("agent", "localhost:7890", "address of a running termihub --listen agent to bridge to")
	flag.Parse()

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("upgrade: %v", err)
			return
		}
		bridge(*agentAddr, conn)
	})

	log.Printf("termihub-inspect bridging %s to agent %s", *httpAddr, *agentAddr)
	if err := http.ListenAndServe(*httpAddr, nil); err != nil {
		log.Fatal(err)
	}
}
