package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/imrishuroy/go-payment-reconciler/internal/payerr"
)

// VerifyAndDecodeNotify proves body came from the gateway and returns its
// decrypted content. receivedAt is when the call first arrived; replays of a
// stored call must pass the original receipt time.
//
// Missing headers, an unknown serial, a stale timestamp, a bad signature or
// a failed decrypt are KindAuthenticity. A body that verifies but cannot be
// parsed is KindValidation.
func (c *Client) VerifyAndDecodeNotify(headers http.Header, body []byte, receivedAt time.Time) (*Notification, error) {
	const op = "gateway.VerifyAndDecodeNotify"

	ts := headers.Get(HeaderTimestamp)
	nonce := headers.Get(HeaderNonce)
	signature := headers.Get(HeaderSignature)
	serial := headers.Get(HeaderSerial)
	if ts == "" || nonce == "" || signature == "" || serial == "" {
		return nil, payerr.New(payerr.KindAuthenticity, op, "missing signature headers")
	}

	pub, ok := c.cfg.PlatformKeys[serial]
	if !ok {
		return nil, payerr.New(payerr.KindAuthenticity, op, "unknown platform serial %q", serial)
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, payerr.Wrap(payerr.KindAuthenticity, op, err, "bad timestamp")
	}
	skew := receivedAt.Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > NotifyMaxSkew {
		return nil, payerr.New(payerr.KindAuthenticity, op, "timestamp skew %s exceeds %s", skew.Round(time.Second), NotifyMaxSkew)
	}

	message := ts + "\n" + nonce + "\n" + string(body) + "\n"
	if err := verifySHA256(pub, message, signature); err != nil {
		return nil, payerr.Wrap(payerr.KindAuthenticity, op, err, "signature mismatch")
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, payerr.Wrap(payerr.KindValidation, op, err, "malformed notify body")
	}

	plain := body
	if env.Resource.Ciphertext != "" {
		plain, err = decryptResource(c.cfg.APIv3Key, env.Resource)
		if err != nil {
			return nil, payerr.Wrap(payerr.KindAuthenticity, op, err, "decrypt resource")
		}
	}

	n := &Notification{
		ID:           env.ID,
		EventType:    env.EventType,
		ResourceType: env.ResourceType,
		Summary:      env.Summary,
		CreateTime:   env.CreateTime,
		Plain:        plain,
	}
	switch {
	case strings.HasPrefix(env.EventType, EventTransactionPrefix):
		var tx Transaction
		if err := json.Unmarshal(plain, &tx); err != nil {
			return nil, payerr.Wrap(payerr.KindValidation, op, err, "malformed transaction resource")
		}
		if tx.OutTradeNo == "" {
			return nil, payerr.New(payerr.KindValidation, op, "transaction resource has no out_trade_no")
		}
		n.Transaction = &tx
	case strings.HasPrefix(env.EventType, EventRefundPrefix):
		var rf RefundNotice
		if err := json.Unmarshal(plain, &rf); err != nil {
			return nil, payerr.Wrap(payerr.KindValidation, op, err, "malformed refund resource")
		}
		n.Refund = &rf
	}
	return n, nil
}
