package main

import (
	"fmt"
	"log"
	"time"

	"github.com/blockcast/go-fmtp"
)

func main() {
	tcpAddr := "0.0.0.0"
	mcastAddr := "232.1.2.3"
	mcastPort := uint16(5000)

	done := make(chan uint32)

	sender, err := fmtp.New(tcpAddr, 0, mcastAddr, mcastPort,
		fmtp.WithTTL(1),
		fmtp.WithTimeoutRatio(20.0),
		fmtp.WithNotifier(fmtp.NotifierFunc(func(prodIndex uint32) {
			done <- prodIndex
		})),
	)
	if err != nil {
		log.Fatalf("configure sender: %v", err)
	}

	if err := sender.Start(); err != nil {
		log.Fatalf("start sender: %v", err)
	}
	fmt.Printf("recovery listener bound on port %d\n", sender.LocalPort())

	prodIndex, err := sender.SendProduct([]byte("hello, multicast"), nil)
	if err != nil {
		log.Fatalf("send product: %v", err)
	}
	fmt.Printf("sent product %d\n", prodIndex)

	select {
	case acked := <-done:
		fmt.Printf("product %d retention window closed\n", acked)
	case <-time.After(30 * time.Second):
		fmt.Println("timed out waiting for retention window to close")
	}

	if err := sender.Stop(); err != nil {
		log.Fatalf("stop sender: %v", err)
	}
}
