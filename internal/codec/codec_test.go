package codec

import "testing"

func TestCompressDecompressRoundTripLZ4Msgpack(t *testing.T) {
	payload := map[string]any{"agent_id": 7, "instructions": []any{"a", "b"}}

	encoded, err := Compress(payload, EngineLZ4, 1, 45)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	decoded, err := Decompress(encoded, EngineLZ4, 45)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}

	if got := decoded["agent_id"]; toInt(got) != 7 {
		t.Fatalf("expected agent_id 7, got %v", got)
	}
}

func TestCompressDecompressRoundTripZlibJSON(t *testing.T) {
	payload := map[string]any{"hello": "world"}

	encoded, err := Compress(payload, EngineZlib, 6, 10)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	decoded, err := Decompress(encoded, EngineZlib, 10)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}

	if decoded["hello"] != "world" {
		t.Fatalf("expected hello=world, got %v", decoded["hello"])
	}
}

func TestDecompressLegacyEnvelope(t *testing.T) {
	payload, err := Compress(map[string]any{"accounts": "x"}, EngineLZ4, 1, 45)
	if err != nil {
		t.Fatalf("compress payload: %v", err)
	}
	books, err := Compress(map[string]any{"book1": "y"}, EngineLZ4, 1, 45)
	if err != nil {
		t.Fatalf("compress books: %v", err)
	}

	merged, err := DecompressLegacyEnvelope(payload, books, EngineLZ4, 45)
	if err != nil {
		t.Fatalf("decompress legacy: %v", err)
	}

	if merged["accounts"] != "x" {
		t.Fatalf("expected accounts=x, got %v", merged["accounts"])
	}
	booksMap, ok := merged["books"].(map[string]any)
	if !ok || booksMap["book1"] != "y" {
		t.Fatalf("expected books.book1=y, got %v", merged["books"])
	}
}

func TestDecompressBadPayload(t *testing.T) {
	if _, err := Decompress("not-valid-base64!!", EngineLZ4, 45); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

// toInt normalizes numeric decode results: JSON decodes to float64, MsgPack
// may decode integers to int8/int64 depending on magnitude.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return -1
	}
}
