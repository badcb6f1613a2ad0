package lifecycle

// DefaultWorkflowName is the workflow used when an issue does not name one.
const DefaultWorkflowName = "default"

// defaultWorkflowYAML is the built-in implement/evaluate loop. It is
// installed once per data dir; operators replace it with `workflow put`.
const defaultWorkflowYAML = `name: default
version: "1"
start: implement
phases:
  implement:
    type: execute
    prompt: implement
    outputFile: .jeeves/out/implement.json
    allowedWrites: ["**"]
    statusMapping:
      implement.success: success
      implement.summary: summary
    transitions:
      - to: evaluate
        when: status.implement.success == true
  evaluate:
    type: evaluate
    prompt: evaluate
    outputFile: .jeeves/out/evaluate.json
    statusMapping:
      verdict.passed: verdict.passed
      verdict.notes: verdict.notes
    transitions:
      - to: done
        when: status.verdict.passed == true
        auto: true
      - to: implement
        when: status.verdict.passed == false
  done:
    type: terminal
`

const defaultImplementPrompt = `You are working on a GitHub issue inside its worktree.

Implement what the issue asks for. Keep the diff minimal, follow the
repository's existing conventions, and run the tests for the code you
touch.

When you are done, write a JSON object to the output file named in the
context block below:

{"success": true, "summary": "<one paragraph describing the change>"}

Set success to false when you could not complete the work and say why in
the summary.
`

const defaultEvaluatePrompt = `You are reviewing the work done so far on a GitHub issue.

Check the worktree against the issue requirements: correctness first, then
test coverage, then style. Do not fix anything yourself.

Write a JSON object to the output file named in the context block below:

{"verdict": {"passed": true, "notes": "<what is missing or wrong, if anything>"}}
`

// defaultPrompts pairs prompt ids with bodies in install order.
var defaultPrompts = []struct{ id, body string }{
	{"implement", defaultImplementPrompt},
	{"evaluate", defaultEvaluatePrompt},
}

// EnsureDefaultContent installs the built-in workflow and prompts when the
// store does not already hold documents under those names. Existing
// documents are never overwritten.
func (c *Core) EnsureDefaultContent() error {
	doc, err := c.store.GetWorkflow(DefaultWorkflowName)
	if err != nil {
		return err
	}
	if doc == nil {
		if err := c.store.PutWorkflow(DefaultWorkflowName, defaultWorkflowYAML); err != nil {
			return err
		}
		c.logger.Debug("installed default workflow")
	}
	for _, p := range defaultPrompts {
		existing, err := c.store.GetPrompt(p.id)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if err := c.store.PutPrompt(p.id, p.body); err != nil {
			return err
		}
		c.logger.Debug("installed default prompt", "id", p.id)
	}
	return nil
}
