// Package mqttwire carries the two-wire bus over an MQTT broker so nodes
// can run as separate processes. Each node listens on its own topic plus
// the broadcast topic; a frame is one retained-off QoS-0 publish.
//
// MQTT cannot observe the receiving end, so an unattached destination is
// not a NACK here: the publish succeeds and the frame vanishes. Masters
// find out through their reply timeout instead.
package mqttwire

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"

	"github.com/pj9pl/willow-bloated-sub001/bus/wire"
)

const broadcastTopic = "bcast"

// Port is one node's connection to the broker.
type Port struct {
	client paho.Client
	prefix string

	mu       sync.Mutex
	addr     wire.Addr
	rx       func(wire.Frame)
	attached bool
}

// Dial connects to the broker named by an mqtt:// URL. The URL path
// becomes the topic prefix and a `client-id` query parameter names the
// session.
func Dial(brokerURL string) (*Port, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, err
	}
	server := u.Scheme
	if server == "" || server == "mqtt" {
		server = "tcp"
	}
	server += "://" + u.Host

	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(server).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if pwd, ok := u.User.Password(); ok {
			opts.SetPassword(pwd)
		}
	}
	if clientID := u.Query().Get("client-id"); clientID != "" {
		opts.SetClientID(clientID)
	}

	p := &Port{prefix: prefix}
	p.client = paho.NewClient(opts)
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	glog.V(1).Infof("mqttwire: connected to %s", server)
	return p, nil
}

func (p *Port) nodeTopic(addr wire.Addr) string {
	return fmt.Sprintf("%snode/%d", p.prefix, addr)
}

func (p *Port) Attach(addr wire.Addr, rx func(wire.Frame)) error {
	p.mu.Lock()
	p.addr = addr
	p.rx = rx
	p.attached = true
	p.mu.Unlock()

	for _, topic := range []string{p.nodeTopic(addr), p.prefix + broadcastTopic} {
		if token := p.client.Subscribe(topic, 0, p.dispatch); token.Wait() && token.Error() != nil {
			return token.Error()
		}
		glog.V(2).Infof("mqttwire: SUB %q", topic)
	}
	return nil
}

func (p *Port) dispatch(_ paho.Client, msg paho.Message) {
	f, ok := wire.Unmarshal(msg.Payload())
	if !ok {
		glog.Warningf("mqttwire: malformed frame on %q, %d bytes", msg.Topic(), len(msg.Payload()))
		return
	}
	p.mu.Lock()
	addr, rx, attached := p.addr, p.rx, p.attached
	p.mu.Unlock()
	if !attached || f.From == addr {
		// Our own broadcast coming back around.
		return
	}
	if rx != nil {
		rx(f)
	}
}

func (p *Port) Tx(f wire.Frame, done func(error)) {
	topic := p.nodeTopic(f.To)
	if f.To == wire.GeneralCall {
		topic = p.prefix + broadcastTopic
	}
	token := p.client.Publish(topic, 0, false, f.Marshal())
	go func() {
		var err error
		if token.Wait() && token.Error() != nil {
			glog.Warningf("mqttwire: publish to %q failed: %v", topic, token.Error())
			err = wire.ErrIO
		}
		if done != nil {
			done(err)
		}
	}()
}

func (p *Port) Close() error {
	p.mu.Lock()
	attached := p.attached
	addr := p.addr
	p.attached = false
	p.mu.Unlock()
	if attached {
		p.client.Unsubscribe(p.nodeTopic(addr), p.prefix+broadcastTopic)
	}
	p.client.Disconnect(250)
	return nil
}
