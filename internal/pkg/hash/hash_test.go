package hash

import (
	"strings"
	"testing"
)

func TestSHA256(t *testing.T) {
	tests := []struct {
		input []byte
		want  string
	}{
		{
			[]byte("hello"),
			"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		},
		{
			[]byte(""),
			"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			got := SHA256(tt.input)
			if got != tt.want {
				t.Errorf("SHA256(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestSHA256String(t *testing.T) {
	got := SHA256String("hello")
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

	if got != want {
		t.Errorf("SHA256String(hello) = %s, want %s", got, want)
	}
}

func TestSHA256Short(t *testing.T) {
	hash := SHA256([]byte("hello"))

	tests := []struct {
		n    int
		want string
	}{
		{8, hash[:8]},
		{16, hash[:16]},
		{32, hash[:32]},
		{64, hash},  // full hash
		{100, hash}, // exceeds length, returns full
	}

	for _, tt := range tests {
		got := SHA256Short([]byte("hello"), tt.n)
		if got != tt.want {
			t.Errorf("SHA256Short(hello, %d) = %s, want %s", tt.n, got, tt.want)
		}
	}
}

func TestAnswerKey(t *testing.T) {
	img := []byte{0x89, 'P', 'N', 'G'}

	// Same inputs should produce same output
	k1 := AnswerKey("qwen", "What color is the car?", img)
	k2 := AnswerKey("qwen", "What color is the car?", img)
	if k1 != k2 {
		t.Errorf("AnswerKey not deterministic: %s != %s", k1, k2)
	}

	// Any differing field changes the key
	others := []string{
		AnswerKey("llava", "What color is the car?", img),
		AnswerKey("qwen", "What color is the bus?", img),
		AnswerKey("qwen", "What color is the car?", []byte{0xFF, 0xD8}),
	}
	for i, k := range others {
		if k == k1 {
			t.Errorf("AnswerKey collision for variant %d", i)
		}
	}

	// Field boundaries are not ambiguous
	if AnswerKey("ab", "c", nil) == AnswerKey("a", "bc", nil) {
		t.Error("AnswerKey collides across field boundary")
	}

	if len(k1) != 64 {
		t.Errorf("AnswerKey length = %d, want 64", len(k1))
	}
	for _, c := range k1 {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("AnswerKey contains non-hex character: %c", c)
		}
	}
}

func BenchmarkSHA256(b *testing.B) {
	data := []byte("benchmark test data for hashing performance measurement")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		SHA256(data)
	}
}

func BenchmarkAnswerKey(b *testing.B) {
	img := make([]byte, 64*1024)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		AnswerKey("qwen", "Is there a pedestrian on the road?", img)
	}
}
