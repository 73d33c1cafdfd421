package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/common/models"
	"github.com/synaptica-ai/interaction-engine/pkg/knowledge"
	"github.com/synaptica-ai/interaction-engine/pkg/normalizer"
	"github.com/synaptica-ai/interaction-engine/pkg/orchestrator"
	"github.com/synaptica-ai/interaction-engine/pkg/predictive"
	"github.com/synaptica-ai/interaction-engine/pkg/rules"
)

var (
	kbPath     string
	rosterPath string
	noML       bool
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "interactionctl",
		Short: "Run drug interaction checks locally",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if !verbose {
				logger.Silence()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&kbPath, "kb", "", "knowledge base YAML (built-in catalog when empty)")
	rootCmd.PersistentFlags().StringVar(&rosterPath, "patients", "", "patient roster YAML for batch runs")
	rootCmd.PersistentFlags().BoolVar(&noML, "no-ml", false, "skip the predictive layer")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline activity to stdout")

	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(normalizeCmd())
	rootCmd.AddCommand(explainCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(modelsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newService(ctx context.Context) (*orchestrator.Service, error) {
	catalog := knowledge.DefaultCatalog()
	if kbPath != "" {
		loaded, err := knowledge.Load(kbPath)
		if err != nil {
			return nil, err
		}
		catalog = loaded
	}
	source := knowledge.NewCatalogSource(catalog)
	extractor := predictive.NewMechanismExtractor(source)
	registry := predictive.NewRegistry(nil, "", 1)
	if _, err := predictive.Bootstrap(ctx, registry, predictive.DefaultModel, catalog, extractor); err != nil {
		return nil, err
	}

	deps := orchestrator.Dependencies{
		Catalog:    catalog,
		Normalizer: normalizer.New(catalog, nil, 0),
		Rules:      rules.NewEngine([]knowledge.Source{source}, nil, 0),
		Registry:   registry,
		Extractor:  extractor,
	}
	if !noML {
		deps.Predictor = predictive.NewLayer(extractor, predictive.DefaultEnsemble(registry, predictive.DefaultModel),
			registry, predictive.DefaultModel, 0)
	}
	if rosterPath != "" {
		roster, err := orchestrator.LoadPatients(rosterPath)
		if err != nil {
			return nil, err
		}
		deps.Patients = roster
	}
	return orchestrator.NewService(deps)
}

type factFlags struct {
	age           float64
	allergies     []string
	comorbidities []string
	genetics      []string
}

func (f *factFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.age, "age", 0, "patient age in years")
	cmd.Flags().StringSliceVar(&f.allergies, "allergy", nil, "recorded allergy (repeatable)")
	cmd.Flags().StringSliceVar(&f.comorbidities, "condition", nil, "comorbidity (repeatable)")
	cmd.Flags().StringSliceVar(&f.genetics, "gene", nil, "genetic marker as GENE=phenotype (repeatable)")
}

func (f *factFlags) facts() (*models.PatientFacts, error) {
	if f.age == 0 && len(f.allergies) == 0 && len(f.comorbidities) == 0 && len(f.genetics) == 0 {
		return nil, nil
	}
	facts := &models.PatientFacts{
		Age:           f.age,
		Allergies:     f.allergies,
		Comorbidities: f.comorbidities,
	}
	for _, g := range f.genetics {
		gene, phenotype, ok := strings.Cut(g, "=")
		if !ok {
			return nil, fmt.Errorf("gene %q: expected GENE=phenotype", g)
		}
		if facts.GeneticMarkers == nil {
			facts.GeneticMarkers = make(map[string]string)
		}
		facts.GeneticMarkers[strings.TrimSpace(gene)] = strings.TrimSpace(phenotype)
	}
	return facts, nil
}

func drugInputs(names []string) []models.DrugInput {
	out := make([]models.DrugInput, 0, len(names))
	for _, n := range names {
		out = append(out, models.DrugInput{Name: n})
	}
	return out
}

func checkCmd() *cobra.Command {
	var (
		patientID string
		threshold string
		asJSON    bool
		ff        factFlags
	)

	cmd := &cobra.Command{
		Use:   "check [drug...]",
		Short: "Check a medication list for interactions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := newService(ctx)
			if err != nil {
				return err
			}
			facts, err := ff.facts()
			if err != nil {
				return err
			}
			req := models.CheckRequest{
				PatientID:    patientID,
				PatientFacts: facts,
				Drugs:        drugInputs(args),
				Context:      models.RequestContext{Source: "interactionctl"},
			}
			if threshold != "" {
				sev, err := models.ParseSeverity(threshold)
				if err != nil {
					return err
				}
				req.Options.SeverityThreshold = &sev
			}

			resp := svc.CheckInteractions(ctx, req)
			if asJSON {
				return printJSON(resp)
			}
			if resp.Failed() {
				return fmt.Errorf("check failed: %s", resp.Metadata.Error)
			}
			printCheck(resp)
			return nil
		},
	}

	cmd.Flags().StringVar(&patientID, "patient", "cli", "patient identifier")
	cmd.Flags().StringVar(&threshold, "min-severity", "", "drop findings below minor|moderate|major|severe")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full response as JSON")
	ff.register(cmd)
	return cmd
}

func printCheck(resp models.CheckResponse) {
	s := resp.Summary
	fmt.Printf("%d interaction(s), max severity %s, risk score %.1f\n", s.TotalInteractions, s.MaxSeverity, s.RiskScore)
	for _, f := range resp.Interactions {
		fmt.Printf("  [%s] %s  %s (confidence %.2f, %s)\n", f.Severity, f.ID, strings.Join(f.DrugNames, " + "), f.Confidence, f.Source)
		if f.Mechanism != "" {
			fmt.Printf("      %s\n", f.Mechanism)
		}
		for _, rec := range f.Recommendations {
			fmt.Printf("      - %s\n", rec)
		}
	}
	for _, alt := range resp.Alternatives {
		fmt.Printf("  alternatives for %s: %s\n", alt.ReplaceDrug, strings.Join(alt.Alternatives, ", "))
	}
	for _, plan := range resp.MonitoringRecommendations {
		fmt.Printf("  monitor %s (%s)\n", strings.Join(plan.Parameters, ", "), plan.Frequency)
	}
	for _, u := range resp.Metadata.UnrecognizedDrugs {
		fmt.Printf("  unrecognized: %s", u.Input)
		if len(u.Suggestions) > 0 {
			fmt.Printf(" (did you mean %s?)", strings.Join(u.Suggestions, ", "))
		}
		fmt.Println()
	}
	for _, w := range resp.Metadata.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}

func normalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize [text]",
		Short: "Resolve drug text to a catalog concept",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.Normalize(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func explainCmd() *cobra.Command {
	var (
		drugs     []string
		patientID string
		ff        factFlags
	)

	cmd := &cobra.Command{
		Use:   "explain [interaction-id]",
		Short: "Explain how a finding was derived",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService(cmd.Context())
			if err != nil {
				return err
			}
			facts, err := ff.facts()
			if err != nil {
				return err
			}
			exp, err := svc.Explain(cmd.Context(), models.ExplainRequest{
				InteractionID: args[0],
				PatientID:     patientID,
				Drugs:         drugInputs(drugs),
				PatientFacts:  facts,
			})
			if err != nil {
				return err
			}
			return printJSON(exp)
		},
	}

	cmd.Flags().StringSliceVar(&drugs, "drug", nil, "medication list the finding came from (repeatable)")
	cmd.Flags().StringVar(&patientID, "patient", "", "patient whose history feeds model findings")
	_ = cmd.MarkFlagRequired("drug")
	ff.register(cmd)
	return cmd
}

func batchCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "batch [patient-id...]",
		Short: "Check several patients from the roster",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rosterPath == "" {
				return fmt.Errorf("--patients is required for batch runs")
			}
			svc, err := newService(cmd.Context())
			if err != nil {
				return err
			}
			res := svc.ProcessBatch(cmd.Context(), models.BatchRequest{
				PatientIDs: args,
				MaxWorkers: workers,
				Context:    models.RequestContext{Source: "interactionctl"},
			})
			return printJSON(res)
		},
	}

	cmd.Flags().IntVar(&workers, "workers", orchestrator.DefaultBatchWorkers, "concurrent patients")
	return cmd
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List registered model versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService(cmd.Context())
			if err != nil {
				return err
			}
			versions, err := svc.Models()
			if err != nil {
				return err
			}
			return printJSON(versions)
		},
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
