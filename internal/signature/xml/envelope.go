package xml

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// XMLDSigNamespace is the XML Signature namespace
const XMLDSigNamespace = "http://www.w3.org/2000/09/xmldsig#"

var errNoCertificate = errors.New("no X509Certificate in KeyInfo")

// Envelope is a parsed XML webhook body together with its enveloped signature
type Envelope struct {
	Doc *etree.Document
	// Signature is the ds:Signature element
	Signature *etree.Element
	// Signed is the element the signature is enveloped in
	Signed *etree.Element
}

// HasSignature is a cheap pre-check before parsing
func HasSignature(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) < 5 || trimmed[0] != '<' {
		return false
	}
	return bytes.Contains(trimmed, []byte("<Signature")) || bytes.Contains(trimmed, []byte(":Signature"))
}

// ParseEnvelope reads data and locates the signature of the notification itself.
// Signatures inside a carried Invoice or CreditNote belong to the supplier and are skipped.
func ParseEnvelope(data []byte) (*Envelope, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.New("empty XML document")
	}

	sig := findSignature(root)
	if sig == nil {
		return nil, fmt.Errorf("no %s Signature element found", XMLDSigNamespace)
	}
	signed := sig.Parent()
	if signed == nil {
		signed = root
	}
	return &Envelope{Doc: doc, Signature: sig, Signed: signed}, nil
}

func findSignature(elem *etree.Element) *etree.Element {
	if elem.Tag == "Signature" && elem.NamespaceURI() == XMLDSigNamespace {
		return elem
	}
	for _, child := range elem.ChildElements() {
		if child.Tag == "Invoice" || child.Tag == "CreditNote" {
			continue
		}
		if found := findSignature(child); found != nil {
			return found
		}
	}
	return nil
}

// Certificate decodes the signer certificate carried in KeyInfo
func (e *Envelope) Certificate() (*x509.Certificate, error) {
	// unprefixed paths match any namespace prefix
	elem := e.Signature.FindElement("KeyInfo/X509Data/X509Certificate")
	if elem == nil {
		return nil, errNoCertificate
	}
	text := strings.Join(strings.Fields(elem.Text()), "")
	if text == "" {
		return nil, errNoCertificate
	}
	der, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("failed to decode certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}
