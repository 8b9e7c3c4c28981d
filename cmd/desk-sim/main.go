package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"consultease/central/internal/model"
	"consultease/central/internal/mqttclient"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	namespace := flag.String("namespace", "consultease", "Topic namespace")
	deviceID := flag.String("device-id", "FAC_BLE_001_SAMPLE", "Desk unit BLE identifier")
	interval := flag.Duration("interval", 0, "Toggle presence at this interval (0 keeps the unit present)")
	plain := flag.Bool("plain", false, "Publish plain-text keywords instead of JSON")

	flag.Parse()

	statusTopic := mqttclient.StatusTopic(*namespace, *deviceID)
	requestTopic := mqttclient.RequestTopic(*namespace, *deviceID)

	clientID := fmt.Sprintf("%s-desk-%d", *deviceID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().
		AddBroker(*brokerAddr).
		SetClientID(clientID).
		SetConnectTimeout(10 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true).
		SetWill(statusTopic, statusPayload(model.StatusUnavailable, *plain), 1, true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(requestTopic, 1, func(_ mqtt.Client, m mqtt.Message) {
			var req model.ConsultationRequestPayload
			if err := json.Unmarshal(m.Payload(), &req); err != nil {
				log.Printf("undecodable request on %s: %v", m.Topic(), err)
				return
			}
			log.Printf("consultation #%d from %s (student %d): %s [%s] %s",
				req.ConsultationID, req.StudentName, req.StudentID, req.Subject, req.CourseCode, req.RequestDetails)
		})
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("subscribe error: %v", err)
			return
		}
		log.Printf("listening for requests on %s", requestTopic)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publish := func(st model.FacultyStatus) {
		token := client.Publish(statusTopic, 1, true, statusPayload(st, *plain))
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s %s", statusTopic, st)
	}

	current := model.StatusAvailable
	publish(current)

	var tick <-chan time.Time
	if *interval > 0 {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			publish(model.StatusUnavailable)
			client.Disconnect(250)
			return
		case <-tick:
			if current == model.StatusAvailable {
				current = model.StatusUnavailable
			} else {
				current = model.StatusAvailable
			}
			publish(current)
		}
	}
}

func statusPayload(st model.FacultyStatus, plain bool) string {
	if plain {
		if st == model.StatusAvailable {
			return "present"
		}
		return "absent"
	}
	data, _ := json.Marshal(map[string]string{"status": string(st)})
	return string(data)
}
