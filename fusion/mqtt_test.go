package fusion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTopics = TopicConfig{
	Inertial: "drone/navdata",
	Video:    "drone/video",
	Command:  "drone/command",
}

func TestNewMQTTClient_Disabled(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	config := &Config{MQTT: MQTTConfig{Topics: testTopics}}

	client, err := NewMQTTClient(config, Handlers{}, Timebase{}, nil)
	assert.NoError(t, err)
	assert.Nil(t, client)
}

func TestNewMQTTClient_NoTopics(t *testing.T) {
	t.Setenv("MQTT_BROKER", "")
	config := &Config{MQTT: MQTTConfig{Broker: "tcp://localhost:1883"}}

	_, err := NewMQTTClient(config, Handlers{}, Timebase{}, nil)
	assert.Error(t, err)
}

func TestNewMQTTClient_BrokerFromEnv(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://env-broker:1883")
	config := &Config{MQTT: MQTTConfig{Topics: testTopics}}

	client, err := NewMQTTClient(config, Handlers{}, Timebase{}, nil)
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.False(t, client.IsConnected())
	assert.NotNil(t, client.Client())
}

func TestMQTTClient_SubscribesOnlyHandledTopics(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	c := WrapMQTTClient(mock, testTopics, Handlers{
		Inertial: func(InertialSample) {},
		Frame:    func(Frame) {},
	}, testTimebase(), clock.NewMock())

	c.onConnect(mock)

	assert.True(t, c.IsConnected())
	assert.True(t, mock.Subscribed(testTopics.Inertial))
	assert.True(t, mock.Subscribed(testTopics.Video))
	assert.False(t, mock.Subscribed(testTopics.Command))
}

func TestMQTTClient_SubscribeErrorIsNotFatal(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	mock.SetSubscribeError(errors.New("denied"))
	c := WrapMQTTClient(mock, testTopics, Handlers{Command: func(string) {}}, testTimebase(), clock.NewMock())

	c.onConnect(mock)

	assert.True(t, c.IsConnected())
	assert.False(t, mock.Subscribed(testTopics.Command))
}

func TestMQTTClient_DispatchesDecodedMessages(t *testing.T) {
	tb := testTimebase()
	clk := clock.NewMock()
	clk.Set(tb.Epoch.Add(5 * time.Second))

	var samples []InertialSample
	var frames []Frame
	var commands []string
	mock := NewMockClient()
	mock.SetConnected(true)
	c := WrapMQTTClient(mock, testTopics, Handlers{
		Inertial: func(s InertialSample) { samples = append(samples, s) },
		Frame:    func(f Frame) { frames = append(frames, f) },
		Command:  func(cmd string) { commands = append(commands, cmd) },
	}, tb, clk)
	c.onConnect(mock)

	mock.SimulateMessage(testTopics.Inertial, []byte(`{"seq":1,"timestampMs":1700000001000,"altitudeMm":800}`))
	mock.SimulateMessage(testTopics.Inertial, []byte(`{broken`))
	mock.SimulateMessage(testTopics.Video, []byte(`{"seq":4,"report":{"result":"tracking"}}`))
	mock.SimulateMessage(testTopics.Video, []byte(`{"seq":5}`))
	mock.SimulateMessage(testTopics.Command, []byte(" p reset \n"))
	mock.SimulateMessage(testTopics.Command, []byte("   "))

	require.Len(t, samples, 1)
	assert.Equal(t, int64(1000), samples[0].TimestampMS)
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(4), frames[0].Seq)
	assert.Equal(t, int64(5000), frames[0].TimestampMS)
	assert.Equal(t, []string{"p reset"}, commands)
}

func TestMQTTClient_ConnectRetriesWithBackoff(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnectError(errors.New("refused"))
	clk := clock.NewMock()
	c := WrapMQTTClient(mock, testTopics, Handlers{}, testTimebase(), clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Connect(ctx)

	require.Eventually(t, func() bool { return mock.Connects() >= 1 }, time.Second, time.Millisecond)
	assert.False(t, c.IsConnected())

	mock.SetConnectError(nil)
	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return c.IsConnected()
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, mock.Connects(), 2)
}

func TestMQTTClient_ConnectSubscribes(t *testing.T) {
	mock := NewMockClient()
	c := WrapMQTTClient(mock, testTopics, Handlers{Command: func(string) {}}, testTimebase(), clock.NewMock())

	c.Connect(context.Background())

	require.Eventually(t, func() bool { return mock.Subscribed(testTopics.Command) }, time.Second, time.Millisecond)
	assert.True(t, c.IsConnected())
	assert.False(t, mock.Subscribed(testTopics.Inertial))
}

func TestMQTTClient_ConnectStopsOnCancel(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnectError(errors.New("refused"))
	c := WrapMQTTClient(mock, testTopics, Handlers{}, testTimebase(), clock.NewMock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.connectWithRetry(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return mock.Connects() >= 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connectWithRetry did not return after cancel")
	}
}

func TestMQTTClient_Disconnect(t *testing.T) {
	mock := NewMockClient()
	mock.SetConnected(true)
	c := WrapMQTTClient(mock, testTopics, Handlers{}, testTimebase(), clock.NewMock())
	c.setConnected(true)

	c.Disconnect()

	assert.False(t, c.IsConnected())
	assert.False(t, mock.IsConnected())
}

func TestMQTTClient_ConcurrentAccess(t *testing.T) {
	client := &MQTTClient{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				client.setConnected(j%2 == 0)
				_ = client.IsConnected()
			}
		}()
	}
	wg.Wait()
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"a/b", "a/b", true},
		{"a/+", "a/b", true},
		{"a/+", "a/b/c", false},
		{"a/#", "a/b/c", true},
		{"#", "a", true},
		{"a/b/c", "a/b", false},
		{"a/b", "a/c", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, topicMatches(tt.filter, tt.topic), "%s vs %s", tt.filter, tt.topic)
	}
}
