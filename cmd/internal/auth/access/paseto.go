package access

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// Claims is what a verified token tells the relay about its bearer.
type Claims struct {
	PeerID    string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// Manager issues and verifies access tokens.
type Manager interface {
	Issue(peerID string, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (Claims, error)
	PublicKeyHex() string
}

type pasetoV4PublicManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager builds a Manager signing PASETO v4.public tokens.
// An empty cfg.SecretKeyHex generates a fresh keypair.
func NewPasetoV4PublicManager(cfg Config) (Manager, error) {
	if cfg.TTL <= 0 || cfg.Issuer == "" {
		return nil, ErrConfig
	}

	var secret paseto.V4AsymmetricSecretKey
	if cfg.Ephemeral() {
		secret = paseto.NewV4AsymmetricSecretKey()
	} else {
		k, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		secret = k
	}

	return &pasetoV4PublicManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.TTL,
		clockSkew: cfg.ClockSkew,
		secret:    secret,
		public:    secret.Public(),
	}, nil
}

func (m *pasetoV4PublicManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

func (m *pasetoV4PublicManager) Issue(peerID string, now time.Time) (string, time.Time, error) {
	if peerID == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	tok.SetSubject(peerID)

	return tok.V4Sign(m.secret, nil), exp, nil
}

func (m *pasetoV4PublicManager) Verify(token string, now time.Time) (Claims, error) {
	// Validate slightly in the future so a verifier running ahead of the issuer
	// does not reject "nbf".
	validNow := now.Add(m.clockSkew)

	// Expiry is checked against the caller's clock below, not the wall clock.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	exp, err := parsed.GetExpiration()
	if err != nil || !now.Before(exp) {
		return Claims{}, ErrInvalidToken
	}
	sub, err := parsed.GetSubject()
	if err != nil || sub == "" {
		return Claims{}, ErrInvalidToken
	}
	iss, _ := parsed.GetIssuer()
	iat, _ := parsed.GetIssuedAt()

	return Claims{
		PeerID:    sub,
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    iss,
	}, nil
}
