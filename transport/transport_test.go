package transport

import "testing"

func TestTopicNames(t *testing.T) {
	if got, want := EdgeToCloudTopic(7), "/mari/0007/to_cloud"; got != want {
		t.Errorf("EdgeToCloudTopic(7) = %q, want %q", got, want)
	}
	if got, want := CloudToEdgeTopic(7), "/mari/0007/to_edge"; got != want {
		t.Errorf("CloudToEdgeTopic(7) = %q, want %q", got, want)
	}
	if got, want := EdgeToCloudTopic(0x1A2B), "/mari/1A2B/to_cloud"; got != want {
		t.Errorf("EdgeToCloudTopic(0x1A2B) = %q, want %q", got, want)
	}
}

func TestNullBroker(t *testing.T) {
	var b NullBroker
	if err := b.Publish("x", []byte("y")); err != nil {
		t.Errorf("Publish: %v", err)
	}
	called := false
	if err := b.Subscribe("x", func([]byte) { called = true }); err != nil {
		t.Errorf("Subscribe: %v", err)
	}
	if called {
		t.Error("NullBroker must never invoke a subscribed handler")
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
