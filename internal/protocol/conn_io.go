package protocol

// Typed send/receive helpers over Conn, one pair per message kind, so
// callers in push.go/pull.go never touch Envelope directly.

func (c *Conn) SendHeader(h Header) error {
	return c.send(Envelope{Kind: KindHeader, Header: &h})
}

func (c *Conn) RecvHeader() (Header, error) {
	env, err := c.recv()
	if err != nil {
		return Header{}, err
	}
	if env.Kind != KindHeader || env.Header == nil {
		return Header{}, unexpected(env.Kind, KindHeader)
	}
	return *env.Header, nil
}

func (c *Conn) SendAck(a Ack) error {
	return c.send(Envelope{Kind: KindAck, Ack: &a})
}

func (c *Conn) RecvAck() (Ack, error) {
	env, err := c.recv()
	if err != nil {
		return Ack{}, err
	}
	if env.Kind != KindAck || env.Ack == nil {
		return Ack{}, unexpected(env.Kind, KindAck)
	}
	return *env.Ack, nil
}

func (c *Conn) SendManifestEntry(e FileManifestEntry) error {
	return c.send(Envelope{Kind: KindFileManifestEntry, ManifestEntry: &e})
}

func (c *Conn) SendManifestComplete() error {
	return c.send(Envelope{Kind: KindManifestComplete, ManifestComplete: &ManifestComplete{}})
}

func (c *Conn) SendFilesToUpload(f FilesToUpload) error {
	return c.send(Envelope{Kind: KindFilesToUpload, FilesToUpload: &f})
}

func (c *Conn) SendNegotiation(n Negotiation) error {
	return c.send(Envelope{Kind: KindNegotiation, Negotiation: &n})
}

func (c *Conn) RecvNegotiation() (Negotiation, error) {
	env, err := c.recv()
	if err != nil {
		return Negotiation{}, err
	}
	if env.Kind != KindNegotiation || env.Negotiation == nil {
		return Negotiation{}, unexpected(env.Kind, KindNegotiation)
	}
	return *env.Negotiation, nil
}

func (c *Conn) SendNeedListComplete() error {
	return c.send(Envelope{Kind: KindNeedListComplete, NeedListComplete: &NeedListComplete{}})
}

func (c *Conn) SendFileData(f FileData) error {
	return c.send(Envelope{Kind: KindFileData, FileData: &f})
}

func (c *Conn) SendTarShardHeader(h TarShardHeader) error {
	return c.send(Envelope{Kind: KindTarShardHeader, TarShardHeader: &h})
}

func (c *Conn) SendTarShardChunk(ch TarShardChunk) error {
	return c.send(Envelope{Kind: KindTarShardChunk, TarShardChunk: &ch})
}

func (c *Conn) SendTarShardComplete(t TarShardComplete) error {
	return c.send(Envelope{Kind: KindTarShardComplete, TarShardComplete: &t})
}

func (c *Conn) SendUploadComplete() error {
	return c.send(Envelope{Kind: KindUploadComplete, UploadComplete: &UploadComplete{}})
}

func (c *Conn) SendNeedList(n NeedList) error {
	return c.send(Envelope{Kind: KindNeedList, NeedList: &n})
}

func (c *Conn) SendBlockHashRequest(r BlockHashRequest) error {
	return c.send(Envelope{Kind: KindBlockHashRequest, BlockHashRequest: &r})
}

func (c *Conn) SendBlockHashes(h BlockHashes) error {
	return c.send(Envelope{Kind: KindBlockHashes, BlockHashes: &h})
}

func (c *Conn) SendBlockTransfer(t BlockTransfer) error {
	return c.send(Envelope{Kind: KindBlockTransfer, BlockTransfer: &t})
}

func (c *Conn) SendBlockComplete(b BlockComplete) error {
	return c.send(Envelope{Kind: KindBlockComplete, BlockComplete: &b})
}

func (c *Conn) SendSummary(s Summary) error {
	return c.send(Envelope{Kind: KindSummary, Summary: &s})
}

func (c *Conn) RecvSummary() (Summary, error) {
	env, err := c.recv()
	if err != nil {
		return Summary{}, err
	}
	if env.Kind != KindSummary || env.Summary == nil {
		return Summary{}, unexpected(env.Kind, KindSummary)
	}
	return *env.Summary, nil
}

// RecvAny reads the next envelope without asserting its kind, used by
// loops that must branch on several possible next messages (e.g. the
// client reading interleaved FilesToUpload batches followed by a single
// Negotiation).
func (c *Conn) RecvAny() (Envelope, error) {
	return c.recv()
}
