package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type openAPIDoc struct {
	Paths      map[string]map[string]operation `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type operation struct {
	Responses map[string]any `yaml:"responses"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

// route is one documented endpoint and the statuses its handler can emit.
type route struct {
	Path     string
	Method   string
	Statuses []string
}

var expectedRoutes = []route{
	{Path: "/api/books", Method: "get", Statuses: []string{"200", "500"}},
	{Path: "/api/members", Method: "get", Statuses: []string{"200", "500"}},
	{Path: "/api/loans", Method: "get", Statuses: []string{"200", "500"}},
	{Path: "/api/loans/store", Method: "post", Statuses: []string{"201", "400", "403", "404", "422", "429", "500"}},
	{Path: "/api/loans/return", Method: "post", Statuses: []string{"200", "404", "422", "429", "500"}},
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}

	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	if err := checkDoc(doc); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func checkDoc(doc openAPIDoc) error {
	envelope, err := getSchema(doc, "Envelope")
	if err != nil {
		return err
	}
	if err := validateEnvelope(envelope); err != nil {
		return err
	}
	fieldErr, err := getSchema(doc, "FieldError")
	if err != nil {
		return err
	}
	if err := validateFieldError(fieldErr); err != nil {
		return err
	}
	loanReq, err := getSchema(doc, "LoanRequest")
	if err != nil {
		return err
	}
	required := makeSet(loanReq.Required)
	for _, field := range []string{"book_code", "member_code"} {
		if !required[field] {
			return fmt.Errorf("LoanRequest.required must include %q", field)
		}
	}
	return validateRoutes(doc)
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateEnvelope(s schema) error {
	if s.Type != "object" {
		return errors.New("Envelope must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"status", "message"} {
		if !required[field] {
			return fmt.Errorf("Envelope.required must include %q", field)
		}
	}
	if p, ok := s.Properties["status"]; !ok || p.Type != "boolean" {
		return errors.New("Envelope.status must be boolean")
	}
	if p, ok := s.Properties["message"]; !ok || p.Type != "string" {
		return errors.New("Envelope.message must be string")
	}
	if p, ok := s.Properties["requestId"]; !ok || p.Type != "string" {
		return errors.New("Envelope.requestId must be string")
	}
	errorsProp, ok := s.Properties["errors"]
	if !ok || errorsProp.Type != "array" {
		return errors.New("Envelope.errors must be array")
	}
	if errorsProp.Items == nil || strings.TrimSpace(errorsProp.Items.Ref) != "#/components/schemas/FieldError" {
		return errors.New("Envelope.errors.items must reference FieldError")
	}
	return nil
}

func validateFieldError(s schema) error {
	if s.Type != "object" {
		return errors.New("FieldError must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"field", "message"} {
		if !required[field] {
			return fmt.Errorf("FieldError.required must include %q", field)
		}
		if p, ok := s.Properties[field]; !ok || p.Type != "string" {
			return fmt.Errorf("FieldError.%s must be string", field)
		}
	}
	return nil
}

func validateRoutes(doc openAPIDoc) error {
	if len(doc.Paths) == 0 {
		return errors.New("paths missing")
	}
	var problems []string
	for _, rt := range expectedRoutes {
		ops, ok := doc.Paths[rt.Path]
		if !ok {
			problems = append(problems, fmt.Sprintf("path %s missing", rt.Path))
			continue
		}
		op, ok := ops[rt.Method]
		if !ok {
			problems = append(problems, fmt.Sprintf("%s %s missing", strings.ToUpper(rt.Method), rt.Path))
			continue
		}
		for _, status := range rt.Statuses {
			if _, ok := op.Responses[status]; !ok {
				problems = append(problems, fmt.Sprintf("%s %s missing %s response", strings.ToUpper(rt.Method), rt.Path, status))
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
